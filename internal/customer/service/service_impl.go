package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/customer/domain"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("customer.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) UpsertByEmail(ctx context.Context, reqs []domain.UpsertCustomerRequest) (map[string]domain.Customer, error) {
	merged := make(map[string]domain.UpsertCustomerRequest, len(reqs))
	order := make([]string, 0, len(reqs))
	for _, req := range reqs {
		email := domain.NormalizeEmail(req.Email)
		if email == "" || !strings.Contains(email, "@") {
			return nil, domain.ErrInvalidEmail
		}
		if strings.TrimSpace(req.Name) == "" {
			return nil, domain.ErrInvalidName
		}
		if _, seen := merged[email]; !seen {
			order = append(order, email)
		}
		req.Email = email
		merged[email] = req
	}

	out := make(map[string]domain.Customer, len(merged))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		for _, email := range order {
			req := merged[email]
			stored, err := s.repo.Upsert(ctx, tx, &domain.Customer{
				ID:        s.genID.Generate(),
				Name:      strings.TrimSpace(req.Name),
				Email:     email,
				Address:   strings.TrimSpace(req.Address),
				City:      strings.TrimSpace(req.City),
				Country:   strings.TrimSpace(req.Country),
				BIN:       req.BIN,
				Brand:     req.Brand,
				Last4:     req.Last4,
				Metadata:  datatypes.JSONMap{},
				CreatedAt: now,
				UpdatedAt: now,
			})
			if err != nil {
				return err
			}
			out[email] = *stored
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("customers upserted", zap.Int("count", len(out)))
	return out, nil
}

func (s *Service) List(ctx context.Context, req domain.ListCustomerRequest) (domain.ListCustomerResponse, error) {
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}.Normalize()

	items, err := s.repo.List(ctx, s.db, domain.ListCustomerFilter{
		Search:  strings.TrimSpace(req.Search),
		Country: strings.TrimSpace(req.Country),
	}, page)
	if err != nil {
		return domain.ListCustomerResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, page.PageSize, func(c *domain.Customer) pagination.Cursor {
		return pagination.Cursor{ID: c.ID.String(), CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})

	customers := make([]domain.Customer, 0, len(items))
	for _, item := range items {
		customers = append(customers, *item)
	}
	return domain.ListCustomerResponse{PageInfo: pageInfo, Customers: customers}, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Customer, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return domain.Customer{}, domain.ErrInvalidID
	}

	item, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}
	return *item, nil
}
