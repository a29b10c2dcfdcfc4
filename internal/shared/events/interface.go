package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clinical-coding/platform/internal/shared/config"
)

// Transports accepted in kurrentdb.transport.
const (
	TransportAuto = "auto"
	TransportGRPC = "grpc"
	TransportHTTP = "http"
)

const connectTimeout = 5 * time.Second

// EventBus publishes usage events to KurrentDB.
type EventBus interface {
	// Publish appends an event to its stream
	Publish(ctx context.Context, event Event) error

	Close()

	// Health checks the connection
	Health() error
}

type dialer func(ctx context.Context, cfg config.KurrentDBConfig) (EventBus, error)

var dialers = map[string]dialer{
	TransportHTTP: dialHTTP,
	TransportGRPC: dialGRPC,
}

// NewEventBus connects with the configured transport and returns the bus
// with the transport actually used. "auto" (or empty) tries HTTP, then gRPC.
func NewEventBus(ctx context.Context, cfg config.KurrentDBConfig) (EventBus, string, error) {
	order, err := transportOrder(cfg.Transport)
	if err != nil {
		return nil, "", err
	}

	var errs []error
	for _, transport := range order {
		bus, err := dialers[transport](ctx, cfg)
		if err == nil {
			return bus, transport, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", transport, err))
	}
	return nil, "", fmt.Errorf("failed to connect to KurrentDB at %s:%d: %w", cfg.Host, cfg.Port, errors.Join(errs...))
}

func transportOrder(transport string) ([]string, error) {
	switch transport {
	case "", TransportAuto:
		return []string{TransportHTTP, TransportGRPC}, nil
	case TransportHTTP, TransportGRPC:
		return []string{transport}, nil
	default:
		return nil, fmt.Errorf("unknown KurrentDB transport %q", transport)
	}
}

func dialHTTP(ctx context.Context, cfg config.KurrentDBConfig) (EventBus, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	bus, err := NewHTTPBus(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return bus, nil
}

func dialGRPC(ctx context.Context, cfg config.KurrentDBConfig) (EventBus, error) {
	bus, err := NewBus(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := bus.Health(); err != nil {
		bus.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return bus, nil
}

var (
	_ EventBus = (*Bus)(nil)
	_ EventBus = (*HTTPBus)(nil)
)
