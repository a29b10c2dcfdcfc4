package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clinical-coding/platform/internal/shared/config"
)

// HTTPClient writes to KurrentDB through its HTTP API.
// This is a fallback when gRPC doesn't work (e.g., Docker networking issues)
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	username   string
	password   string
}

// NewHTTPClient creates a new HTTP-based KurrentDB client
func NewHTTPClient(cfg config.KurrentDBConfig) *HTTPClient {
	scheme := "https"
	if cfg.Insecure {
		scheme = "http"
	}

	return &HTTPClient{
		baseURL:  fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// EventData represents an event to be written
type EventData struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Data      any    `json:"data"`
	Metadata  any    `json:"metadata,omitempty"`
}

// AppendToStream appends events to a stream
func (c *HTTPClient) AppendToStream(ctx context.Context, stream string, events ...EventData) error {
	url := fmt.Sprintf("%s/streams/%s", c.baseURL, stream)

	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(eventsJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/vnd.eventstore.events+json")
	req.Header.Set("ES-ExpectedVersion", "-2") // any version
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("failed to append events: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Health checks the KurrentDB connection via HTTP
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/info", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("KurrentDB not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("KurrentDB health check failed: status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

// HTTPBus publishes events over the KurrentDB HTTP API
type HTTPBus struct {
	client *HTTPClient
}

// NewHTTPBus creates an HTTP event bus after checking the server is reachable
func NewHTTPBus(ctx context.Context, cfg config.KurrentDBConfig) (*HTTPBus, error) {
	client := NewHTTPClient(cfg)
	if err := client.Health(ctx); err != nil {
		return nil, err
	}
	return &HTTPBus{client: client}, nil
}

// Publish publishes an event to the bus
func (b *HTTPBus) Publish(ctx context.Context, event Event) error {
	return b.client.AppendToStream(ctx, StreamName(event.Type), EventData{
		EventID:   event.ID,
		EventType: event.Type,
		Data:      event,
	})
}

// Close is a no-op for the HTTP bus
func (b *HTTPBus) Close() {}

// Health checks the connection
func (b *HTTPBus) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Health(ctx)
}
