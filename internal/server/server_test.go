package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/cobro/internal/alert"
	analyticsservice "github.com/smallbiznis/cobro/internal/analytics/service"
	"github.com/smallbiznis/cobro/internal/cache"
	chargeservice "github.com/smallbiznis/cobro/internal/charge/service"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/config"
	customerrepo "github.com/smallbiznis/cobro/internal/customer/repository"
	customerservice "github.com/smallbiznis/cobro/internal/customer/service"
	"github.com/smallbiznis/cobro/internal/events"
	ingestrepo "github.com/smallbiznis/cobro/internal/ingest/repository"
	ingestservice "github.com/smallbiznis/cobro/internal/ingest/service"
	"github.com/smallbiznis/cobro/internal/lock"
	obslogger "github.com/smallbiznis/cobro/internal/observability/logger"
	"github.com/smallbiznis/cobro/internal/processor/isocode"
	"github.com/smallbiznis/cobro/internal/processor/sandbox"
	"github.com/smallbiznis/cobro/internal/ratelimit"
	schedulerepo "github.com/smallbiznis/cobro/internal/schedule/repository"
	scheduleservice "github.com/smallbiznis/cobro/internal/schedule/service"
	"github.com/smallbiznis/cobro/internal/report"
	"github.com/smallbiznis/cobro/internal/storage"
	transactionrepo "github.com/smallbiznis/cobro/internal/transaction/repository"
	transactionservice "github.com/smallbiznis/cobro/internal/transaction/service"
	"github.com/smallbiznis/cobro/pkg/cardvault"
	"github.com/smallbiznis/cobro/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	engine *gin.Engine
	proc   *sandbox.Processor
}

func newTestServer(t *testing.T, opts ...func(*ServerParams)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.Open(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	vault, err := cardvault.New("server-test")
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 5, 2, 15, 30, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)
	proc := sandbox.New("merchant-1")
	collections := config.NewStaticCollectionsConfigHolder(config.DefaultCollectionsConfig())
	cfg := config.Config{
		Processor: config.ProcessorConfig{Timeout: time.Second},
		Scheduler: config.SchedulerConfig{BatchSize: 10},
	}
	alerts := alert.NewLogNotifier(log)
	isoCodes := isocode.NewTable(nil)

	customers := customerservice.New(customerservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  customerrepo.Provide(),
		Clock: clk,
	})
	ledger := transactionservice.New(transactionservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Repo:     transactionrepo.Provide(),
		Clock:    clk,
		Renderer: report.NewPDFRenderer(),
	})
	schedules := scheduleservice.New(scheduleservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Repo:        schedulerepo.Provide(),
		Customers:   customers,
		Tokenizer:   proc,
		Provisioner: proc,
		Locker:      lock.NewMemory(),
		Vault:       vault,
		Collections: collections,
		Config:      cfg,
		Clock:       clk,
		Alerts:      alerts,
	})
	charges := chargeservice.New(chargeservice.Params{
		DB:           db,
		Log:          log,
		Repo:         schedulerepo.Provide(),
		Transactions: ledger,
		Processor:    proc,
		ISOCodes:     isoCodes,
		Vault:        vault,
		Collections:  collections,
		Config:       cfg,
		Clock:        clk,
		Alerts:       alerts,
		Events:       events.Noop{},
	})
	ingest := ingestservice.New(ingestservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Repo:        ingestrepo.Provide(),
		Customers:   customers,
		Schedules:   schedules,
		Store:       storage.Noop{},
		Collections: collections,
		Clock:       clk,
	})
	analytics := analyticsservice.New(analyticsservice.Params{
		DB:     db,
		Log:    log,
		Cache:  cache.NewMemory(),
		Config: cfg,
		Clock:  clk,
	})

	engine := gin.New()
	engine.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{ErrorClassifier: classifyErrorForLog}))
	engine.Use(ErrorHandlingMiddleware())
	registerJSONTagNames()

	params := ServerParams{
		Gin:          engine,
		Cfg:          cfg,
		DB:           db,
		Log:          log,
		CustomerSvc:  customers,
		ScheduleSvc:  schedules,
		ChargeSvc:    charges,
		LedgerSvc:    ledger,
		IngestSvc:    ingest,
		AnalyticsSvc: analytics,
		ISOCodes:     isoCodes,
	}
	for _, opt := range opts {
		opt(&params)
	}
	NewServer(params)
	return &testServer{engine: engine, proc: proc}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(obslogger.HeaderActor, "ops@example.com")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *errorPayload   `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var out envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func scheduleBody(mode, number string) map[string]any {
	return map[string]any{
		"customer_name": "Ana Pérez",
		"email":         "ana@example.com",
		"card": map[string]any{
			"number":       number,
			"expiry_month": "03",
			"expiry_year":  "28",
		},
		"amount":     25.5,
		"start_date": "2025-05-01",
		"time_of_day": "09:00",
		"mode":       mode,
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec).Error.Type)
}

func TestCreateAndActivateSubscription(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/schedules", scheduleBody("subscription", "4111111111111112"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &created))
	assert.Equal(t, "inactive", created.Status)

	rec = s.do(t, http.MethodPost, "/api/schedules/"+created.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var activated struct {
		Status         string  `json:"status"`
		SubscriptionID *string `json:"subscription_id"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &activated))
	assert.Equal(t, "active", activated.Status)
	assert.NotNil(t, activated.SubscriptionID)
	assert.Equal(t, 1, s.proc.ActiveSubscriptions())

	rec = s.do(t, http.MethodPost, "/api/schedules/"+created.ID+"/activate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode(t, rec).Error.Type)
	assert.Equal(t, 1, s.proc.ActiveSubscriptions())

	rec = s.do(t, http.MethodPost, "/api/schedules/bulk-deactivate", map[string]any{"ids": []string{created.ID, created.ID}})
	require.Equal(t, http.StatusOK, rec.Code)
	var result struct {
		Succeeded int `json:"succeeded"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &result))
	assert.Equal(t, 1, result.Succeeded)
	assert.Zero(t, s.proc.ActiveSubscriptions())
}

func TestModeMismatchIsConflict(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/schedules", scheduleBody("one_shot", "4111111111111112"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var oneShot struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &oneShot))

	rec = s.do(t, http.MethodPost, "/api/schedules/"+oneShot.ID+"/activate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, s.proc.ActiveSubscriptions())

	rec = s.do(t, http.MethodPost, "/api/schedules", scheduleBody("subscription", "4111111111111114"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sub struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &sub))

	rec = s.do(t, http.MethodPost, "/api/schedules/"+sub.ID+"/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateScheduleValidation(t *testing.T) {
	s := newTestServer(t)

	body := scheduleBody("subscription", "4111111111111112")
	body["email"] = "not-an-email"
	rec := s.do(t, http.MethodPost, "/api/schedules", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decode(t, rec).Error
	require.NotNil(t, payload)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "email", payload.Errors[0].Field)

	body = scheduleBody("weekly", "4111111111111112")
	rec = s.do(t, http.MethodPost, "/api/schedules", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_mode", decode(t, rec).Error.Errors[0].Code)

	rec = s.do(t, http.MethodPost, "/api/schedules/abc/activate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/schedules/123456", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteOneShotChargeRecordsTransaction(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/schedules", scheduleBody("one_shot", "4111111111111112"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID           string `json:"id"`
		ChargeStatus string `json:"charge_status"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &created))
	assert.Equal(t, "pending", created.ChargeStatus)

	rec = s.do(t, http.MethodPost, "/api/schedules/"+created.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcome struct {
		Status       string `json:"status"`
		ChargeStatus string `json:"charge_status"`
		ISOCode      string `json:"iso_code"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &outcome))
	assert.Equal(t, "approved", outcome.Status)
	assert.Equal(t, "completed", outcome.ChargeStatus)
	assert.Equal(t, "00", outcome.ISOCode)

	rec = s.do(t, http.MethodPost, "/api/schedules/"+created.ID+"/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Transactions []struct {
			Status string  `json:"status"`
			Amount float64 `json:"amount"`
		} `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
	require.Len(t, list.Transactions, 1)
	assert.Equal(t, 25.5, list.Transactions[0].Amount)

	rec = s.do(t, http.MethodGet, "/api/transactions/export?format=xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment;")
	assert.NotEmpty(t, rec.Body.Bytes())

	rec = s.do(t, http.MethodGet, "/api/transactions/export?format=docx", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dash struct {
		TodayApproved int `json:"today_approved"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &dash))
	assert.Equal(t, 1, dash.TodayApproved)

	rec = s.do(t, http.MethodGet, "/api/dashboard?range=1y", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteDueCharges(t *testing.T) {
	s := newTestServer(t)
	for _, number := range []string{"4111111111111112", "4111111111111114"} {
		body := scheduleBody("one_shot", number)
		rec := s.do(t, http.MethodPost, "/api/schedules", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodPost, "/api/charges/execute-due?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/charges/execute-due", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result struct {
		Succeeded int `json:"succeeded"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &result))
	assert.Equal(t, 2, result.Succeeded)

	rec = s.do(t, http.MethodGet, "/api/charges?charge_status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Schedules []json.RawMessage `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
	assert.Len(t, list.Schedules, 2)
}

func TestUploadBatch(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("name", "Lote mayo"))
	require.NoError(t, w.WriteField("mode", "one_shot"))
	part, err := w.CreateFormFile("file", "lote.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("customer_name,email,card_number,card_expiry_month,card_expiry_year,amount,start_date\n" +
		"Ana,ana@example.com,4111111111111112,3,28,10,2025-05-03\n" +
		"Luis,luis@example.com,123,3,28,10,2025-05-03\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(obslogger.HeaderActor, "ops@example.com")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res struct {
		Job struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			UploadedBy string `json:"uploaded_by"`
		} `json:"job"`
		Result struct {
			Succeeded int `json:"succeeded"`
			Failed    int `json:"failed"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &res))
	assert.Equal(t, "Lote mayo", res.Job.Name)
	assert.Equal(t, "ops@example.com", res.Job.UploadedBy)
	assert.Equal(t, 1, res.Result.Succeeded)
	assert.Equal(t, 1, res.Result.Failed)

	rec = s.do(t, http.MethodGet, "/api/collection-jobs/"+res.Job.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/collection-jobs?page_token=not-a-cursor!", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/customers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var customers struct {
		Customers []json.RawMessage `json:"customers"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &customers))
	assert.Len(t, customers.Customers, 1)
}

func TestUploadRequiresFile(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/uploads", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "file", decode(t, rec).Error.Errors[0].Field)
}

func TestListISOCodes(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/iso-codes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var codes []isocode.ISOCode
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &codes))
	require.NotEmpty(t, codes)
	assert.Equal(t, "00", codes[0].Code)
}

func TestManualChargesAreThrottledPerActor(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 5, 2, 15, 30, 0, 0, time.UTC))
	limiter := ratelimit.NewWithBucket(ratelimit.NewMemory(clk), config.RateLimitConfig{
		UploadRate: 1, UploadBurst: 1,
		ChargeRate: 0.5, ChargeBurst: 1,
	})
	srv := newTestServer(t, func(p *ServerParams) { p.Limiter = limiter })

	rec := srv.do(t, http.MethodPost, "/api/charges/execute-due", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = srv.do(t, http.MethodPost, "/api/charges/execute-due", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode(t, rec).Error.Type)

	clk.Advance(2 * time.Second)
	rec = srv.do(t, http.MethodPost, "/api/charges/execute-due", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
