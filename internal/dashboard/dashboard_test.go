package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinical-coding/platform/internal/admission"
	"github.com/clinical-coding/platform/internal/ledger"
)

type fakeSource struct {
	usage  admission.Usage
	resets []string
	err    error
}

func (f *fakeSource) Usage(context.Context) (admission.Usage, error) { return f.usage, f.err }
func (f *fakeSource) History(context.Context, int) ([]ledger.Window, error) {
	return []ledger.Window{{ID: "2024-06-03", CallCount: 12, CostAccrued: ledger.Units(0.18)}}, f.err
}
func (f *fakeSource) Alerts(context.Context) ([]admission.Alert, error) { return nil, f.err }
func (f *fakeSource) Reset(_ context.Context, id string) (ledger.Window, error) {
	f.resets = append(f.resets, id)
	return ledger.Window{ID: "2024-06-03"}, f.err
}

func sampleUsage() admission.Usage {
	return admission.Usage{
		Daily:              ledger.Window{ID: "2024-06-03", CallCount: 170, CostAccrued: ledger.Units(2.55)},
		Hourly:             ledger.Window{ID: "2024-06-03T10", CallCount: 38},
		Limits:             admission.Limits{HourlyCalls: 40, DailyCalls: 200, DailyCost: ledger.Units(5)},
		HourlyCallsPercent: 95,
		DailyCallsPercent:  85,
		DailyCostPercent:   51,
		MonthlyProjection:  ledger.Units(76.5),
		Warnings:           []string{"critical: hourly calls at 95%", "warning: daily calls at 85%"},
	}
}

func key(r rune) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}} }

func TestModel_Init(t *testing.T) {
	m := NewModel(&fakeSource{}, time.Second)
	assert.NotNil(t, m.Init())
}

func TestModel_Quit(t *testing.T) {
	m := NewModel(&fakeSource{}, time.Second)
	updated, cmd := m.Update(key('q'))
	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, updated.(Model).View())
}

func TestModel_Snapshot(t *testing.T) {
	src := &fakeSource{usage: sampleUsage()}
	m := NewModel(src, time.Second)

	msg := m.fetch()()
	updated, _ := m.Update(msg)
	got := updated.(Model)

	require.True(t, got.loaded)
	view := got.View()
	assert.Contains(t, view, "38 / 40")
	assert.Contains(t, view, "170 / 200")
	assert.Contains(t, view, "$76.50")
	assert.Contains(t, view, "critical: hourly calls at 95%")
	assert.NotContains(t, view, "Last 7 days")

	updated, _ = got.Update(key('d'))
	assert.Contains(t, updated.(Model).View(), "Last 7 days")
	assert.Contains(t, updated.(Model).View(), "2024-06-03")
}

func TestModel_FetchError(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	m := NewModel(src, time.Second)

	updated, _ := m.Update(m.fetch()())
	assert.Contains(t, updated.(Model).View(), "connection refused")
}

func TestModel_ResetFlow(t *testing.T) {
	src := &fakeSource{usage: sampleUsage()}
	m := NewModel(src, time.Second)

	updated, cmd := m.Update(key('x'))
	m = updated.(Model)
	assert.True(t, m.confirmReset)
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), "(y/n)")

	updated, _ = m.Update(key('n'))
	m = updated.(Model)
	assert.False(t, m.confirmReset)
	assert.Empty(t, src.resets)

	updated, _ = m.Update(key('x'))
	updated, cmd = updated.(Model).Update(key('y'))
	require.NotNil(t, cmd)

	msg := cmd()
	require.IsType(t, resetMsg{}, msg)
	assert.Equal(t, []string{""}, src.resets)

	updated, cmd = updated.(Model).Update(msg)
	assert.Equal(t, "window 2024-06-03 reset", updated.(Model).status)
	assert.NotNil(t, cmd)
}

func TestBar(t *testing.T) {
	tests := []struct {
		pct    float64
		filled int
	}{
		{0, 0},
		{50, 5},
		{100, 10},
		{150, 10},
		{-5, 0},
	}
	for _, tt := range tests {
		bar := Bar(tt.pct, 10)
		assert.Equal(t, tt.filled, strings.Count(bar, "█"), "pct %v", tt.pct)
		assert.Equal(t, 10-tt.filled, strings.Count(bar, "░"), "pct %v", tt.pct)
	}
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/api/v1/usage":
			json.NewEncoder(w).Encode(sampleUsage())
		case "/api/v1/usage/history":
			assert.Equal(t, "3", r.URL.Query().Get("days"))
			json.NewEncoder(w).Encode(map[string]any{"data": []ledger.Window{{ID: "2024-06-03"}}, "total": 1})
		case "/api/v1/usage/alerts":
			json.NewEncoder(w).Encode(map[string]any{"data": []admission.Alert{{Kind: admission.AlertDailyCost}}, "total": 1})
		case "/api/v1/usage/reset/current":
			assert.Equal(t, http.MethodPost, r.Method)
			json.NewEncoder(w).Encode(ledger.Window{ID: "2024-06-03"})
		case "/api/v1/usage/reset/bogus":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid window id", "code": "BAD_REQUEST"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/v1/", "tok")
	ctx := context.Background()

	u, err := c.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(170), u.Daily.CallCount)

	history, err := c.History(ctx, 3)
	require.NoError(t, err)
	require.Len(t, history, 1)

	alerts, err := c.Alerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, admission.AlertDailyCost, alerts[0].Kind)

	w, err := c.Reset(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-03", w.ID)

	_, err = c.Reset(ctx, "bogus")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "BAD_REQUEST", apiErr.Code)
}
