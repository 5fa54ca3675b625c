// Package statusclient consumes the orchestrator's push channel and falls
// back to polling the status endpoint when push delivery is unavailable.
// Both delivery paths hand the consumer the same Status fields, so the
// switch is invisible to callers.
package statusclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Status is the snapshot carried by both push notifications and the pull
// endpoint.
type Status struct {
	RequestID  string  `json:"request_id"`
	Kind       string  `json:"kind"`
	State      string  `json:"state"`
	Phase      string  `json:"phase,omitempty"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
	ElapsedMs  int64   `json:"elapsed_ms"`
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s.State {
	case "completed", "failed", "timeout", "interrupted":
		return true
	}
	return false
}

// Mode is the subscriber's connection state.
type Mode int

const (
	ModeDisconnected Mode = iota
	ModeConnecting
	ModePush
	ModePoll
)

func (m Mode) String() string {
	switch m {
	case ModeConnecting:
		return "connecting"
	case ModePush:
		return "push"
	case ModePoll:
		return "poll"
	default:
		return "disconnected"
	}
}

// Config holds subscriber tunables. Zero values are replaced by defaults.
type Config struct {
	// BaseURL is the orchestrator base, e.g. "http://robot:8080".
	BaseURL string
	// BackoffBase is the initial reconnect delay.
	BackoffBase time.Duration
	// BackoffMax caps the doubled reconnect delay.
	BackoffMax time.Duration
	// JitterFrac randomizes each delay by ±JitterFrac so clients do not
	// retry in lockstep.
	JitterFrac float64
	// MaxPushFailures is how many consecutive failed push attempts are
	// tolerated before the session permanently switches to polling.
	MaxPushFailures int
	// PollInterval is the pull-fallback cadence.
	PollInterval time.Duration
	// HTTPClient lets callers supply their own client; the zero value
	// uses a dedicated one with no overall timeout (streams are long).
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 8 * time.Second
	}
	if c.JitterFrac < 0 {
		c.JitterFrac = 0
	}
	if c.MaxPushFailures <= 0 {
		c.MaxPushFailures = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

// errFinished signals that a terminal status was delivered.
var errFinished = errors.New("terminal status observed")

// Client is the status subscriber state machine:
// disconnected -> connecting -> connected(push) | connected(poll).
type Client struct {
	cfg      Config
	log      *slog.Logger
	onStatus func(Status)

	mu   sync.Mutex
	mode Mode

	// sleep is swapped in tests to observe the backoff sequence.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Client that invokes onStatus for every delivered snapshot.
func New(cfg Config, log *slog.Logger, onStatus func(Status)) *Client {
	return &Client{
		cfg:      cfg.withDefaults(),
		log:      log,
		onStatus: onStatus,
		sleep:    sleepCtx,
	}
}

// Mode returns the current connection mode.
func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Client) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// Run tracks requestID until a terminal status is observed or ctx is
// cancelled. It attempts the push channel first, reconnecting with
// exponential backoff; after MaxPushFailures consecutive failures it
// switches to polling for the remainder of the session.
func (c *Client) Run(ctx context.Context, requestID string) error {
	failures := 0
	delay := c.cfg.BackoffBase

	for {
		c.setMode(ModeConnecting)
		connected, err := c.streamOnce(ctx, requestID)
		if errors.Is(err, errFinished) {
			c.setMode(ModeDisconnected)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// A successful push connection resets the backoff schedule.
			failures = 0
			delay = c.cfg.BackoffBase
		}

		failures++
		c.log.Warn("push channel lost",
			slog.Int("consecutive_failures", failures),
			slog.String("error", errString(err)))

		if err := c.sleep(ctx, c.jitter(delay)); err != nil {
			return err
		}
		delay *= 2
		if delay > c.cfg.BackoffMax {
			delay = c.cfg.BackoffMax
		}

		if failures >= c.cfg.MaxPushFailures {
			c.log.Info("push unavailable, falling back to polling",
				slog.String("request_id", requestID))
			c.setMode(ModePoll)
			return c.poll(ctx, requestID)
		}
	}
}

// streamOnce opens the SSE stream and dispatches notifications until the
// stream breaks, a terminal status arrives, or ctx is cancelled. connected
// reports whether the stream was successfully established.
func (c *Client) streamOnce(ctx context.Context, requestID string) (connected bool, err error) {
	url := fmt.Sprintf("%s/commands/events?request_id=%s", c.cfg.BaseURL, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("push channel returned status %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return false, fmt.Errorf("push unsupported: content-type %q", resp.Header.Get("Content-Type"))
	}

	c.setMode(ModePush)
	c.log.Debug("push channel connected", slog.String("request_id", requestID))

	var eventName string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			eventName = ""
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if eventName != "status" {
				continue
			}
			var st Status
			if jsonErr := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st); jsonErr != nil {
				c.log.Warn("discarding malformed status", slog.String("error", jsonErr.Error()))
				continue
			}
			c.onStatus(st)
			if st.Terminal() {
				return true, errFinished
			}
		}
	}

	if scanErr := scanner.Err(); scanErr != nil {
		return true, scanErr
	}
	return true, errors.New("push channel closed by server")
}

// poll pulls the status endpoint at a fixed interval until a terminal
// state is observed. There is no path back to push within the session.
func (c *Client) poll(ctx context.Context, requestID string) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		st, err := c.fetchStatus(ctx, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.onStatus(st)
		if st.Terminal() {
			c.setMode(ModeDisconnected)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fetchStatus performs one GET against the pull endpoint.
func (c *Client) fetchStatus(ctx context.Context, requestID string) (Status, error) {
	url := fmt.Sprintf("%s/commands/%s/status", c.cfg.BaseURL, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, err
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Status{}, fmt.Errorf("request %s not found or evicted", requestID)
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// jitter spreads d by ±JitterFrac.
func (c *Client) jitter(d time.Duration) time.Duration {
	if c.cfg.JitterFrac == 0 {
		return d
	}
	spread := 1 + c.cfg.JitterFrac*(2*rand.Float64()-1)
	return time.Duration(float64(d) * spread)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
