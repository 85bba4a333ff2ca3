// Package device talks to the OpenShock control API.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shockclock/pkg/logx"
)

type Kind string

const (
	KindShock   Kind = "Shock"
	KindVibrate Kind = "Vibrate"
)

func (k Kind) valid() bool {
	switch k {
	case KindShock, KindVibrate:
		return true
	default:
		return false
	}
}

// Credential authorizes commands for one device.
type Credential struct {
	APIKey   string
	DeviceID string
}

const (
	DefaultBaseURL    = "https://api.shocklink.net"
	DefaultCustomName = "OpenShockClock"

	controlPath  = "/2/shockers/control"
	maxBodyBytes = 4 << 10
	maxErrBody   = 256
)

type Config struct {
	BaseURL    string
	CustomName string
	Timeout    time.Duration

	// RetryMax 0 keeps delivery at-most-once.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// RatePerSec paces all outbound commands; <= 0 disables pacing.
	RatePerSec float64

	// MaxDurationMS clamps the duration sent to the API; 0 sends as given.
	MaxDurationMS int
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(c.CustomName) == "" {
		c.CustomName = DefaultCustomName
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

type Client struct {
	hc  *http.Client
	log logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, log logx.Logger, opts ...Option) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		hc:  &http.Client{},
		log: log.With(logx.String("comp", "device")),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(c)
	}
	c.Apply(cfg)
	return c
}

// Apply swaps the runtime settings. In-flight requests keep the old ones.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	if cfg.RatePerSec <= 0 {
		c.limiter = nil
		return
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
		return
	}
	c.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	c.limiter.SetBurst(burst)
}

func (c *Client) snapshot() (Config, *rate.Limiter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.limiter
}

type controlRequest struct {
	Shocks     []shock `json:"shocks"`
	CustomName string  `json:"customName"`
}

type shock struct {
	ID        string `json:"id"`
	Type      Kind   `json:"type"`
	Intensity int    `json:"intensity"`
	Duration  int    `json:"duration"`
	Exclusive bool   `json:"exclusive"`
}

// Send issues one command. With retries disabled it makes exactly one
// request; a nil error means the API answered 2xx.
func (c *Client) Send(ctx context.Context, cred Credential, kind Kind, intensity, durationMS int) error {
	cred.APIKey = strings.TrimSpace(cred.APIKey)
	cred.DeviceID = strings.TrimSpace(cred.DeviceID)
	switch {
	case cred.APIKey == "" || cred.DeviceID == "":
		return fmt.Errorf("%w: credential incomplete", ErrInvalid)
	case !kind.valid():
		return fmt.Errorf("%w: kind %q", ErrInvalid, kind)
	case intensity < 1 || intensity > 100:
		return fmt.Errorf("%w: intensity %d", ErrInvalid, intensity)
	case durationMS <= 0:
		return fmt.Errorf("%w: duration %dms", ErrInvalid, durationMS)
	}

	cfg, limiter := c.snapshot()
	if cfg.MaxDurationMS > 0 && durationMS > cfg.MaxDurationMS {
		durationMS = cfg.MaxDurationMS
	}
	body, err := json.Marshal(controlRequest{
		Shocks: []shock{{
			ID:        cred.DeviceID,
			Type:      kind,
			Intensity: intensity,
			Duration:  durationMS,
			Exclusive: true,
		}},
		CustomName: cfg.CustomName,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			d := c.backoff(cfg, attempt, lastErr)
			c.log.Debug("device retry",
				logx.String("kind", string(kind)),
				logx.Int("attempt", attempt),
				logx.Duration("delay", d),
				logx.Err(lastErr),
			)
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("device: %w (last: %v)", ctx.Err(), lastErr)
			case <-t.C:
			}
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("device: rate wait: %w", err)
			}
		}
		lastErr = c.do(ctx, cfg, cred.APIKey, body)
		if lastErr == nil || !retryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) backoff(cfg Config, attempt int, err error) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return backoffDelay(cfg.RetryBase, cfg.RetryMaxDelay, attempt, err, c.rng)
}

func (c *Client) do(ctx context.Context, cfg Config, token string, body []byte) error {
	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, cfg.BaseURL+controlPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("device: build request: %w", err)
	}
	req.Header.Set("OpenShockToken", token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("device: post: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > maxErrBody {
		msg = msg[:maxErrBody] + "..."
	}
	return &StatusError{
		Code:       resp.StatusCode,
		Body:       msg,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}
