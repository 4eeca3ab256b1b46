package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	processordomain "github.com/smallbiznis/cobro/internal/processor/domain"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
)

type cardRequest struct {
	HolderName  string `json:"holder_name"`
	Number      string `json:"number" binding:"required"`
	ExpiryMonth string `json:"expiry_month" binding:"required"`
	ExpiryYear  string `json:"expiry_year" binding:"required"`
	CVV         string `json:"cvv"`
}

type createScheduleRequest struct {
	CustomerName         string      `json:"customer_name" binding:"required"`
	Email                string      `json:"email" binding:"required,email"`
	Address              string      `json:"address"`
	City                 string      `json:"city"`
	Country              string      `json:"country"`
	Card                 cardRequest `json:"card"`
	Amount               float64     `json:"amount" binding:"required,gt=0"`
	Currency             string      `json:"currency" binding:"omitempty,len=3"`
	Frequency            string      `json:"frequency"`
	StartDate            string      `json:"start_date" binding:"required"`
	TimeOfDay            string      `json:"time_of_day"`
	Reference            string      `json:"reference"`
	Mode                 string      `json:"mode"`
	RetryAttempts        *int        `json:"retry_attempts" binding:"omitempty,gte=0"`
	RetryIntervalMinutes *int        `json:"retry_interval_minutes" binding:"omitempty,gte=0"`
}

type bulkScheduleRequest struct {
	IDs []string `json:"ids" binding:"required,min=1,max=500"`
}

type scheduleListQuery struct {
	pagination.Pagination
	Status          string `form:"status"`
	ChargeStatus    string `form:"charge_status"`
	Mode            string `form:"mode"`
	Search          string `form:"search"`
	CollectionJobID string `form:"collection_job_id"`
}

func (q scheduleListQuery) request() scheduledomain.ListScheduleRequest {
	return scheduledomain.ListScheduleRequest{
		PageToken:       q.PageToken,
		PageSize:        q.PageSize,
		Status:          strings.TrimSpace(q.Status),
		ChargeStatus:    strings.TrimSpace(q.ChargeStatus),
		Mode:            strings.TrimSpace(q.Mode),
		Search:          strings.TrimSpace(q.Search),
		CollectionJobID: strings.TrimSpace(q.CollectionJobID),
	}
}

func (s *Server) CreateSchedule(c *gin.Context) {
	var req createScheduleRequest
	if !bindJSON(c, &req) {
		return
	}

	startDate, err := parseOptionalTime(req.StartDate, false)
	if err != nil || startDate == nil {
		AbortWithError(c, scheduledomain.ErrInvalidStartDate)
		return
	}
	mode, ok := scheduledomain.ParseMode(req.Mode)
	if !ok {
		AbortWithError(c, scheduledomain.ErrInvalidMode)
		return
	}

	schedule, err := s.scheduleSvc.Create(c.Request.Context(), scheduledomain.CreateScheduleRequest{
		CustomerName: strings.TrimSpace(req.CustomerName),
		Email:        strings.TrimSpace(req.Email),
		Address:      strings.TrimSpace(req.Address),
		City:         strings.TrimSpace(req.City),
		Country:      strings.TrimSpace(req.Country),
		Card: processordomain.Card{
			HolderName:  req.Card.HolderName,
			Number:      req.Card.Number,
			ExpiryMonth: req.Card.ExpiryMonth,
			ExpiryYear:  req.Card.ExpiryYear,
			CVV:         req.Card.CVV,
		},
		Amount:               req.Amount,
		Currency:             req.Currency,
		Frequency:            req.Frequency,
		StartDate:            *startDate,
		TimeOfDay:            req.TimeOfDay,
		Reference:            strings.TrimSpace(req.Reference),
		Mode:                 mode,
		RetryAttempts:        req.RetryAttempts,
		RetryIntervalMinutes: req.RetryIntervalMinutes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if mode == scheduledomain.ModeOneShot {
		s.invalidateDashboard(c)
	}
	c.JSON(http.StatusCreated, gin.H{"data": schedule})
}

func (s *Server) ListSchedules(c *gin.Context) {
	var query scheduleListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.scheduleSvc.List(c.Request.Context(), query.request())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetSchedule(c *gin.Context) {
	schedule, err := s.scheduleSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": schedule})
}

func (s *Server) ActivateSchedule(c *gin.Context) {
	id, ok := scheduleIDParam(c)
	if !ok {
		return
	}

	schedule, err := s.scheduleSvc.Activate(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": schedule})
}

func (s *Server) DeactivateSchedule(c *gin.Context) {
	id, ok := scheduleIDParam(c)
	if !ok {
		return
	}

	schedule, err := s.scheduleSvc.Deactivate(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": schedule})
}

func (s *Server) BulkActivateSchedules(c *gin.Context) {
	ids, ok := bulkIDs(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": s.scheduleSvc.BulkActivate(c.Request.Context(), ids)})
}

func (s *Server) BulkDeactivateSchedules(c *gin.Context) {
	ids, ok := bulkIDs(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": s.scheduleSvc.BulkDeactivate(c.Request.Context(), ids)})
}

func scheduleIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, scheduledomain.ErrInvalidID)
		return 0, false
	}
	return id, true
}

func bulkIDs(c *gin.Context) ([]snowflake.ID, bool) {
	var req bulkScheduleRequest
	if !bindJSON(c, &req) {
		return nil, false
	}

	ids := make([]snowflake.ID, 0, len(req.IDs))
	seen := make(map[snowflake.ID]struct{}, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := parseSnowflakeID(raw)
		if err != nil {
			AbortWithError(c, newValidationError("ids", "invalid_ids", "invalid schedule id "+strings.TrimSpace(raw)))
			return nil, false
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, true
}
