package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ingestdomain "github.com/smallbiznis/cobro/internal/ingest/domain"
	ingestservice "github.com/smallbiznis/cobro/internal/ingest/service"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"go.uber.org/zap"
)

// UploadBatch takes a multipart form with file, name and mode fields.
func (s *Server) UploadBatch(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		AbortWithError(c, newValidationError("file", "required", "file is required"))
		return
	}
	if header.Size > ingestservice.MaxUploadBytes {
		AbortWithError(c, ingestdomain.ErrFileTooLarge)
		return
	}

	f, err := header.Open()
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	defer f.Close()

	body, err := io.ReadAll(io.LimitReader(f, ingestservice.MaxUploadBytes+1))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.ingestSvc.Ingest(c.Request.Context(), ingestdomain.Upload{
		Name:        strings.TrimSpace(c.PostForm("name")),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        body,
		Mode:        strings.TrimSpace(c.PostForm("mode")),
		UploadedBy:  actor(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if res.Result.Succeeded > 0 {
		s.invalidateDashboard(c)
	}
	c.JSON(http.StatusCreated, gin.H{"data": res})
}

func (s *Server) ListCollectionJobs(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ingestSvc.List(c.Request.Context(), ingestdomain.ListJobRequest{
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCollectionJob(c *gin.Context) {
	job, err := s.ingestSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}

// invalidateDashboard drops cached analytics after the ledger or the
// pending queue changed. Failures only cost freshness.
func (s *Server) invalidateDashboard(c *gin.Context) {
	if s.analyticsSvc == nil {
		return
	}
	if err := s.analyticsSvc.Invalidate(c.Request.Context()); err != nil {
		s.log.Warn("dashboard cache invalidation failed", zap.Error(err))
	}
}
