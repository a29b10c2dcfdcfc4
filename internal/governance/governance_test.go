package governance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinical-coding/platform/internal/admission"
	"github.com/clinical-coding/platform/internal/extraction"
	"github.com/clinical-coding/platform/internal/ledger"
	"github.com/clinical-coding/platform/internal/shared/auth"
	"github.com/clinical-coding/platform/internal/shared/config"
	apperrors "github.com/clinical-coding/platform/internal/shared/errors"
	"github.com/clinical-coding/platform/internal/shared/events"
	"github.com/clinical-coding/platform/internal/shared/logging"
	"github.com/clinical-coding/platform/internal/terminology"
	"github.com/clinical-coding/platform/internal/validation"
)

var now = time.Date(2024, 6, 3, 10, 15, 0, 0, time.UTC)

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (*extraction.Result, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, text string) (*extraction.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(call)
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func chestPain() *extraction.Result {
	return &extraction.Result{
		Candidates: []extraction.Candidate{
			{Term: "douleur thoracique", Hierarchy: terminology.HierarchyClinicalFinding, Code: "29857009"},
			{Term: "ECG", Hierarchy: terminology.HierarchyProcedure},
		},
		ActualCost: 0.002,
		Model:      "test-model",
	}
}

func succeed(int) (*extraction.Result, error) { return chestPain(), nil }

type fixture struct {
	ctrl  *admission.Controller
	svc   *Service
	ext   *fakeExtractor
	terms *terminology.MemoryStore
	cfg   *config.Config
}

func newFixture(t *testing.T, q config.QuotaConfig, fn func(int) (*extraction.Result, error)) *fixture {
	t.Helper()
	terms, err := terminology.LoadYAMLFile("../terminology/testdata/seed.yaml")
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{RateLimit: 0},
		Auth:   config.AuthConfig{Enabled: true, JWTSecret: "test-secret", AdminRole: "admin"},
		Quota:  q,
		Pipeline: config.PipelineConfig{
			HighPrecisionPasses: 3,
			MaxAttempts:         3,
			CallTimeout:         time.Second,
			SimilarityThreshold: 0.85,
		},
	}
	ctrl := admission.NewController(ledger.NewMemoryStore(), q, admission.WithClock(func() time.Time { return now }))
	ext := &fakeExtractor{fn: fn}
	svc := NewService(ctrl, ext, validation.New(terms), cfg.Pipeline, q, logging.Nop())
	return &fixture{ctrl: ctrl, svc: svc, ext: ext, terms: terms, cfg: cfg}
}

func quota(daily int64) config.QuotaConfig {
	return config.QuotaConfig{DailyCalls: daily, HourlyCalls: 100, DailyCost: 10, AlertFraction: 0.8, CostPerCall: 0.015}
}

func dailyUsage(t *testing.T, f *fixture) ledger.Window {
	t.Helper()
	u, err := f.ctrl.CurrentUsage(context.Background())
	require.NoError(t, err)
	return u.Daily
}

func TestExtract_Standard(t *testing.T) {
	f := newFixture(t, quota(10), succeed)

	resp, err := f.svc.Extract(context.Background(), Request{Text: "Douleur thoracique, ECG normal."})
	require.NoError(t, err)

	assert.Equal(t, ModeStandard, resp.Mode)
	assert.Equal(t, 1, resp.Passes)
	assert.Len(t, resp.RequestID, 36)
	assert.Nil(t, resp.Stability)
	require.Len(t, resp.Concepts, 2)
	assert.Equal(t, "29857009", resp.Concepts[0].Code)
	assert.Equal(t, validation.StatusValid, resp.Concepts[0].Status)
	assert.Equal(t, "29303009", resp.Concepts[1].Code)
	require.NotNil(t, resp.Usage)

	day := dailyUsage(t, f)
	assert.Equal(t, int64(1), day.CallCount)
	assert.Equal(t, ledger.Units(0.002), day.CostAccrued)
}

func TestExtract_HighPrecision(t *testing.T) {
	f := newFixture(t, quota(10), succeed)

	resp, err := f.svc.Extract(context.Background(), Request{Text: "Douleur thoracique.", HighPrecision: true})
	require.NoError(t, err)

	assert.Equal(t, ModeHighPrecision, resp.Mode)
	assert.Equal(t, 3, resp.Passes)
	assert.Equal(t, 3, f.ext.Calls())
	require.Len(t, resp.Concepts, 2)
	assert.Equal(t, 3, resp.Concepts[0].SupportCount)
	assert.Equal(t, ledger.Units(0.006), resp.Cost)
	require.NotNil(t, resp.Stability)
	assert.Len(t, resp.Stability.PassRates, 3)

	assert.Equal(t, int64(3), dailyUsage(t, f).CallCount)
}

func TestExtract_DeniedUpFront(t *testing.T) {
	f := newFixture(t, quota(2), succeed)

	_, err := f.svc.Extract(context.Background(), Request{Text: "Fièvre.", HighPrecision: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "daily", appErr.Details["scope"])
	assert.Equal(t, "0", appErr.Details["used"], "held reservations are released before reporting")
	assert.Equal(t, "2", appErr.Details["limit"])
	assert.Equal(t, "3", appErr.Details["requested"])

	assert.Zero(t, f.ext.Calls())
	day := dailyUsage(t, f)
	assert.Zero(t, day.CallCount)
	assert.Zero(t, day.CostAccrued)
}

func TestExtract_TransientRetry(t *testing.T) {
	f := newFixture(t, quota(10), func(call int) (*extraction.Result, error) {
		if call == 1 {
			return nil, &extraction.TransientError{Err: errors.New("status 503")}
		}
		return chestPain(), nil
	})

	resp, err := f.svc.Extract(context.Background(), Request{Text: "Douleur thoracique."})
	require.NoError(t, err)
	assert.Len(t, resp.Concepts, 2)
	assert.Equal(t, 2, f.ext.Calls())

	// The failed attempt is released; only the successful one is recorded.
	day := dailyUsage(t, f)
	assert.Equal(t, int64(1), day.CallCount)
	assert.Equal(t, ledger.Units(0.002), day.CostAccrued)
}

func TestExtract_Failures(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  error
		calls int
	}{
		{"transient exhausted", &extraction.TransientError{Err: errors.New("status 429")}, apperrors.ErrTransient, 3},
		{"permanent", &extraction.PermanentError{Err: errors.New("status 400")}, apperrors.ErrPermanent, 1},
		{"timeout", context.DeadlineExceeded, apperrors.ErrTransient, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, quota(10), func(int) (*extraction.Result, error) { return nil, tt.err })

			_, err := f.svc.Extract(context.Background(), Request{Text: "Fièvre."})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.calls, f.ext.Calls())

			day := dailyUsage(t, f)
			assert.Zero(t, day.CallCount)
			assert.Zero(t, day.CostAccrued)
		})
	}
}

func TestExtract_PartialFailureKeepsCommittedPasses(t *testing.T) {
	var once sync.Once
	f := newFixture(t, quota(10), func(int) (*extraction.Result, error) {
		var err error
		once.Do(func() { err = &extraction.PermanentError{Err: errors.New("blocked")} })
		if err != nil {
			return nil, err
		}
		return chestPain(), nil
	})

	_, err := f.svc.Extract(context.Background(), Request{Text: "Fièvre.", HighPrecision: true})
	assert.ErrorIs(t, err, apperrors.ErrPermanent)

	// Nothing is left reserved: each pass was either committed or released.
	day := dailyUsage(t, f)
	assert.LessOrEqual(t, day.CallCount, int64(2))
	assert.Equal(t, ledger.Money(day.CallCount)*ledger.Units(0.002), day.CostAccrued)
}

func TestExtract_InvalidRequest(t *testing.T) {
	f := newFixture(t, quota(10), succeed)

	_, err := f.svc.Extract(context.Background(), Request{Text: "  "})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	for _, passes := range []int{2, maxPasses + 1} {
		_, err = f.svc.Extract(context.Background(), Request{Text: "Fièvre.", Passes: passes})
		assert.ErrorIs(t, err, apperrors.ErrValidation, "passes=%d", passes)
	}
	assert.Zero(t, f.ext.Calls())
	assert.Zero(t, dailyUsage(t, f).CallCount)
}

func TestExtract_ExplicitPasses(t *testing.T) {
	f := newFixture(t, quota(10), succeed)

	resp, err := f.svc.Extract(context.Background(), Request{Text: "Fièvre.", Passes: 4})
	require.NoError(t, err)
	assert.Equal(t, ModeHighPrecision, resp.Mode)
	assert.Equal(t, 4, resp.Passes)
	assert.Equal(t, 4, f.ext.Calls())
}

type recordingBus struct {
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, e events.Event) error {
	b.events = append(b.events, e)
	return nil
}
func (b *recordingBus) Close()        {}
func (b *recordingBus) Health() error { return nil }

func TestAlertPublisher(t *testing.T) {
	bus := &recordingBus{}
	ctx := logging.WithRequestID(context.Background(), "req-7")

	err := NewAlertPublisher(bus).PublishAlert(ctx, admission.Alert{Kind: admission.AlertDailyCalls, WindowID: "2024-06-03"})
	require.NoError(t, err)

	require.Len(t, bus.events, 1)
	assert.Equal(t, AlertEventType, bus.events[0].Type)
	assert.Equal(t, "admission", bus.events[0].Source)
	assert.Equal(t, "req-7", bus.events[0].CorrelationID)
}

func TestAlertPublisher_WiredToController(t *testing.T) {
	bus := &recordingBus{}
	q := quota(2)
	ctrl := admission.NewController(ledger.NewMemoryStore(), q,
		admission.WithClock(func() time.Time { return now }),
		admission.WithAlertSink(NewAlertPublisher(bus)),
	)

	for i := 0; i < 2; i++ {
		d, _, err := ctrl.Authorize(context.Background(), ledger.Units(0.01))
		require.NoError(t, err)
		require.Equal(t, admission.Allow, d)
	}
	require.Len(t, bus.events, 1)
	alert, ok := bus.events[0].Data.(admission.Alert)
	require.True(t, ok)
	assert.Equal(t, admission.AlertDailyCalls, alert.Kind)
}

func newServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	h := NewHandler(f.svc, f.ctrl, f.terms, f.cfg, logging.Nop())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := auth.IssueToken("test-secret", "ops", roles, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func do(t *testing.T, method, url, authz, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandler_Extract(t *testing.T) {
	f := newFixture(t, quota(1), succeed)
	srv := newServer(t, f)
	user := token(t, "coder")

	resp := do(t, http.MethodPost, srv.URL+"/extract", user, `{"text":"Douleur thoracique."}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Concepts, 2)

	resp = do(t, http.MethodPost, srv.URL+"/extract", user, `{"text":"Douleur thoracique."}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var errBody map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, "QUOTA_EXCEEDED", errBody["code"])

	resp = do(t, http.MethodPost, srv.URL+"/extract", user, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/extract", "", `{"text":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_Usage(t *testing.T) {
	f := newFixture(t, quota(10), succeed)
	srv := newServer(t, f)
	user := token(t, "coder")

	_, err := f.svc.Extract(context.Background(), Request{Text: "Fièvre."})
	require.NoError(t, err)

	resp := do(t, http.MethodGet, srv.URL+"/usage", user, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage admission.Usage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&usage))
	assert.Equal(t, int64(1), usage.Daily.CallCount)
	assert.InDelta(t, 10.0, usage.DailyCallsPercent, 1e-9)
	assert.Equal(t, ledger.Units(0.002), usage.Daily.CostAccrued)
	assert.Equal(t, ledger.Units(10), usage.Limits.DailyCost)

	resp = do(t, http.MethodGet, srv.URL+"/usage/history?days=3", user, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Data  []ledger.Window `json:"data"`
		Total int             `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Equal(t, 1, history.Total)
	assert.Equal(t, "2024-06-03", history.Data[0].ID)

	resp = do(t, http.MethodGet, srv.URL+"/usage/history?days=abc", user, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/usage/alerts", user, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_Reset(t *testing.T) {
	f := newFixture(t, quota(10), succeed)
	srv := newServer(t, f)

	_, err := f.svc.Extract(context.Background(), Request{Text: "Fièvre."})
	require.NoError(t, err)

	tests := []struct {
		name   string
		authz  string
		window string
		status int
	}{
		{"no token", "", "current", http.StatusUnauthorized},
		{"not admin", token(t, "coder"), "current", http.StatusForbidden},
		{"bad window", token(t, "admin"), "yesterday", http.StatusBadRequest},
		{"admin", token(t, "admin"), "current", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, srv.URL+"/usage/reset/"+tt.window, tt.authz, "")
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	assert.Zero(t, dailyUsage(t, f).CallCount)
}

func TestHandler_Terminology(t *testing.T) {
	f := newFixture(t, quota(10), succeed)
	srv := newServer(t, f)
	user := token(t, "coder")

	resp := do(t, http.MethodGet, srv.URL+"/terminology/29857009", user, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entry terminology.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, "douleur thoracique", entry.PreferredTerm)

	resp = do(t, http.MethodGet, srv.URL+"/terminology/000", user, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_Health(t *testing.T) {
	f := newFixture(t, quota(10), succeed)
	h := NewHandler(f.svc, f.ctrl, f.terms, f.cfg, logging.Nop())
	h.AddHealthCheck("ledger", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddHealthCheck("events", func(context.Context) error { return errors.New("unreachable") })
	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unreachable")
}
