package events

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinical-coding/platform/internal/shared/config"
)

func kurrentConfig(t *testing.T, srv *httptest.Server) config.KurrentDBConfig {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return config.KurrentDBConfig{Enabled: true, Host: host, Port: p, Insecure: true, Username: "admin", Password: "changeit"}
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "coding-quota-alert", StreamName("quota.alert"))
}

func TestBuildConnectionString(t *testing.T) {
	cs := buildConnectionString(config.KurrentDBConfig{Host: "kurrent", Port: 2113, Insecure: true, Username: "u", Password: "p"})
	assert.Contains(t, cs, "esdb://u:p@kurrent:2113?tls=false")

	cs = buildConnectionString(config.KurrentDBConfig{Host: "kurrent", Port: 2113})
	assert.Equal(t, "esdb://kurrent:2113", cs)
}

func TestHTTPBus_Publish(t *testing.T) {
	var (
		gotPath string
		gotBody []EventData
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "changeit", pass)

		switch r.URL.Path {
		case "/info":
			w.WriteHeader(http.StatusOK)
		default:
			gotPath = r.URL.Path
			assert.Equal(t, "application/vnd.eventstore.events+json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	bus, err := NewHTTPBus(context.Background(), kurrentConfig(t, srv))
	require.NoError(t, err)
	defer bus.Close()
	require.NoError(t, bus.Health())

	event := NewEvent("quota.alert", "admission", map[string]any{"kind": "daily_cost"}).WithCorrelation("req-1")
	require.NoError(t, bus.Publish(context.Background(), event))

	assert.Equal(t, "/streams/coding-quota-alert", gotPath)
	require.Len(t, gotBody, 1)
	assert.Equal(t, event.ID, gotBody[0].EventID)
	assert.Equal(t, "quota.alert", gotBody[0].EventType)
}

func TestHTTPBus_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := kurrentConfig(t, srv)
	srv.Close()

	_, err := NewHTTPBus(context.Background(), cfg)
	assert.Error(t, err)
}

func TestHTTPBus_AppendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	bus, err := NewHTTPBus(context.Background(), kurrentConfig(t, srv))
	require.NoError(t, err)
	assert.Error(t, bus.Publish(context.Background(), NewEvent("quota.alert", "admission", nil)))
}

func TestTransportOrder(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{"", []string{TransportHTTP, TransportGRPC}, false},
		{TransportAuto, []string{TransportHTTP, TransportGRPC}, false},
		{TransportHTTP, []string{TransportHTTP}, false},
		{TransportGRPC, []string{TransportGRPC}, false},
		{"amqp", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := transportOrder(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewEventBus_ConfiguredTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := kurrentConfig(t, srv)
	cfg.Transport = TransportHTTP
	bus, transport, err := NewEventBus(context.Background(), cfg)
	require.NoError(t, err)
	defer bus.Close()
	assert.Equal(t, TransportHTTP, transport)
	assert.IsType(t, &HTTPBus{}, bus)

	cfg.Transport = "amqp"
	_, _, err = NewEventBus(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewEventBus_HTTPOnlyDoesNotFallBack(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := kurrentConfig(t, srv)
	srv.Close()

	cfg.Transport = TransportHTTP
	_, _, err := NewEventBus(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http:")
	assert.NotContains(t, err.Error(), "grpc:")
}
