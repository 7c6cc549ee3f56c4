// Package explorer implements the live balance source: an HTTP client for
// the chain explorer's address-balances endpoint, rate limited and guarded
// by a circuit breaker so outages degrade to the fallback tiers quickly.
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/juan-silveira/coinage-sub004/internal/circuitbreaker"
	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
	"github.com/juan-silveira/coinage-sub004/internal/metrics"
	"github.com/juan-silveira/coinage-sub004/internal/retry"
)

const (
	defaultMaxAttempts    = 3
	defaultBackoffInitial = 200 * time.Millisecond
	defaultBackoffMax     = 2 * time.Second
)

// Client fetches balances from the explorer API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
	sleepFn        func(ctx context.Context, d time.Duration) error
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &Client{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		http:           &http.Client{Timeout: cfg.Timeout},
		limiter:        rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		breaker:        circuitbreaker.New(circuitbreaker.Config{}),
		logger:         logger.With("component", "explorer"),
		maxAttempts:    defaultMaxAttempts,
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		sleepFn:        sleep,
	}
}

type balancesResponse struct {
	Address  string            `json:"address"`
	Network  string            `json:"network"`
	Balances map[string]string `json:"balances"`
}

// FetchBalances queries the explorer for the address's token balance table.
// Unauthorized responses come back wrapped in retry.ErrUnauthorized;
// transient failures are retried with exponential backoff before giving up.
func (c *Client) FetchBalances(ctx context.Context, address string, network model.Network) (*model.BalanceSnapshot, error) {
	if err := c.breaker.Allow(); err != nil {
		metrics.ExplorerRequests.WithLabelValues(string(network), "breaker_open").Inc()
		return nil, retry.Transient(err)
	}

	var lastErr error
	backoff := c.backoffInitial
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.wait(ctx, network); err != nil {
			return nil, err
		}

		snap, err := c.fetchOnce(ctx, address, network)
		if err == nil {
			c.breaker.RecordSuccess()
			metrics.ExplorerRequests.WithLabelValues(string(network), "ok").Inc()
			return snap, nil
		}
		lastErr = err

		decision := retry.Classify(err)
		if decision.IsUnauthorized() {
			metrics.ExplorerRequests.WithLabelValues(string(network), "unauthorized").Inc()
			return nil, err
		}
		c.breaker.RecordFailure()
		metrics.ExplorerRequests.WithLabelValues(string(network), "error").Inc()
		if !decision.IsTransient() || attempt == c.maxAttempts {
			break
		}

		c.logger.Debug("retrying balance fetch",
			"address", address, "attempt", attempt, "reason", decision.Reason)
		if err := c.sleepFn(ctx, backoff); err != nil {
			return nil, err
		}
		if backoff *= 2; backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, address string, network model.Network) (*model.BalanceSnapshot, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/api/v2/addresses/%s/token-balances?network=%s", c.baseURL, address, network)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create explorer request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer request: %w", err)
	}
	defer resp.Body.Close()
	metrics.ExplorerLatency.WithLabelValues(string(network)).Observe(time.Since(start).Seconds())

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("explorer rejected credentials (http status %d): %w", resp.StatusCode, retry.ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("explorer returned http status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read explorer response: %w", err)
	}

	var parsed balancesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode explorer response: %w", err)
	}
	if parsed.Balances == nil {
		parsed.Balances = map[string]string{}
	}

	return &model.BalanceSnapshot{
		Address:    address,
		Network:    network,
		Balances:   parsed.Balances,
		CapturedAt: time.Now().UTC(),
		Provenance: model.ProvenanceLive,
	}, nil
}

// wait blocks on the client-side rate limiter, counting waits that actually
// delayed a request.
func (c *Client) wait(ctx context.Context, network model.Network) error {
	r := c.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	if delay := r.Delay(); delay > 0 {
		metrics.ExplorerRateLimitWaits.WithLabelValues(string(network)).Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
