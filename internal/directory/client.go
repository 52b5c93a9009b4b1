package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/grocernet/grocernet/internal/bus"
)

// Circuit breaker settings for directory lookups. Lookups are cheap and the
// failure mode (no directory running) recovers quickly, so the circuit
// closes again fast.
const (
	breakerMinRequests     = 5
	breakerFailureRatio    = 0.6
	breakerOpenTimeout     = 10 * time.Second
	breakerHalfOpenMaxReqs = 2
	breakerCountInterval   = 10 * time.Second

	defaultRequestTimeout = 3 * time.Second
)

// Client talks to the directory service. Search goes through a circuit
// breaker: when the directory is down, callers fail fast and fall back to
// their lookup-failure branch (empty result handling) instead of stacking
// timeouts.
type Client struct {
	bus     *bus.Bus
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     zerolog.Logger
}

// NewClient creates a directory client.
func NewClient(b *bus.Bus, requestTimeout time.Duration, log zerolog.Logger) *Client {
	clientLog := log.With().Str("component", "directory_client").Logger()
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "directory",
		MaxRequests: breakerHalfOpenMaxReqs,
		Interval:    breakerCountInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && failureRatio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			clientLog.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Directory circuit breaker state change")
		},
	})

	return &Client{
		bus:     b,
		breaker: breaker,
		timeout: requestTimeout,
		log:     clientLog,
	}
}

// Register announces a participant under a service kind.
func (c *Client) Register(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal register request: %w", err)
	}
	if _, err := c.request(ctx, EndpointRegister, data); err != nil {
		return err
	}

	c.log.Info().
		Str("name", entry.Name).
		Str("kind", entry.Kind).
		Msg("Registered with directory")
	return nil
}

// Deregister removes a participant's entry.
func (c *Client) Deregister(ctx context.Context, name string) error {
	data, err := json.Marshal(deregisterRequest{Name: name})
	if err != nil {
		return fmt.Errorf("marshal deregister request: %w", err)
	}
	if _, err := c.request(ctx, EndpointDeregister, data); err != nil {
		return err
	}

	c.log.Info().Str("name", name).Msg("Deregistered from directory")
	return nil
}

// Search returns all participants registered under a kind, sorted by name.
// An unreachable directory returns an error; callers treat it like an empty
// lookup result per their failure policy.
func (c *Client) Search(ctx context.Context, kind string) ([]Entry, error) {
	data, err := json.Marshal(searchRequest{Kind: kind})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.request(ctx, EndpointSearch, data)
		if err != nil {
			return nil, err
		}
		var sr searchResponse
		if err := json.Unmarshal(resp, &sr); err != nil {
			return nil, fmt.Errorf("bad search response: %w", err)
		}
		return sr.Entries, nil
	})
	if err != nil {
		return nil, fmt.Errorf("directory search for %s: %w", kind, err)
	}

	entries := result.([]Entry)
	c.log.Debug().Str("kind", kind).Int("found", len(entries)).Msg("Directory search completed")
	return entries, nil
}

func (c *Client) request(ctx context.Context, endpoint string, data []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.bus.Request(reqCtx, endpoint, data)
	if err != nil {
		return nil, err
	}

	var ack ackResponse
	if err := json.Unmarshal(resp, &ack); err == nil && ack.Error != "" {
		return nil, fmt.Errorf("directory rejected request: %s", ack.Error)
	}
	return resp, nil
}
