package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	killmailServices "wanderer-kills/internal/killmails/services"
	"wanderer-kills/internal/zkillboard/dto"
	"wanderer-kills/pkg/errs"
)

// ServiceState represents the state of the consumer service
type ServiceState int32

const (
	StateStopped ServiceState = iota
	StateStarting
	StateRunning
	StateBackingOff
	StateDraining
)

func (s ServiceState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateBackingOff:
		return "backing_off"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// pollOutcome classifies one poll for the adaptive scheduler.
type pollOutcome int

const (
	outcomeKill pollOutcome = iota
	outcomeIdle
	outcomeOlder
	outcomeError
)

// ConsumerConfig tunes the RedisQ polling loop.
type ConsumerConfig struct {
	Endpoint       string
	TTW            int
	FastInterval   time.Duration
	IdleInterval   time.Duration
	BackoffInitial time.Duration
	BackoffFactor  float64
	BackoffMax     time.Duration
	HTTPTimeout    time.Duration
	UserAgent      string
}

// DefaultConsumerConfig returns the production polling settings.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Endpoint:       "https://zkillredisq.stream/listen.php",
		TTW:            1,
		FastInterval:   time.Second,
		IdleInterval:   5 * time.Second,
		BackoffInitial: time.Second,
		BackoffFactor:  2,
		BackoffMax:     30 * time.Second,
		HTTPTimeout:    30 * time.Second,
		UserAgent:      "wanderer-kills/1.0",
	}
}

// ConsumerMetrics tracks polling performance
type ConsumerMetrics struct {
	TotalPolls     atomic.Int64
	NullResponses  atomic.Int64
	KillmailsFound atomic.Int64
	OlderSkips     atomic.Int64
	HTTPErrors     atomic.Int64
	ParseErrors    atomic.Int64
	Unexpected     atomic.Int64
	StoreErrors    atomic.Int64
	LastKillmailID atomic.Int64
}

// RedisQConsumer is the long-poll loop against zKillboard RedisQ. Each
// received kill is handed to the killmail pipeline with the current cutoff.
// The loop adapts its pace to the stream: fast after a kill, idle when the
// queue is empty, exponential backoff on errors. Individual parse or store
// failures are counted and skipped; they never halt the loop.
type RedisQConsumer struct {
	httpClient *http.Client
	pipeline   *killmailServices.Service
	cfg        ConsumerConfig

	// queueID is the stable per-process consumer identity RedisQ uses to
	// keep a dedicated queue.
	queueID string

	mu        sync.RWMutex
	state     atomic.Int32
	running   atomic.Bool
	backoff   time.Duration
	lastPoll  time.Time
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	metrics ConsumerMetrics
}

// NewRedisQConsumer creates a new RedisQ consumer instance.
func NewRedisQConsumer(pipeline *killmailServices.Service, cfg ConsumerConfig) *RedisQConsumer {
	consumer := &RedisQConsumer{
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		pipeline:   pipeline,
		cfg:        cfg,
		queueID:    "wanderer-kills-" + uuid.NewString(),
		backoff:    cfg.BackoffInitial,
	}
	consumer.state.Store(int32(StateStopped))
	return consumer
}

// QueueID returns the consumer's stable RedisQ queue identity.
func (c *RedisQConsumer) QueueID() string {
	return c.queueID
}

// Start begins the polling loop.
func (c *RedisQConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return fmt.Errorf("consumer already running")
	}

	c.state.Store(int32(StateStarting))
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.backoff = c.cfg.BackoffInitial
	c.startTime = time.Now()

	c.wg.Add(1)
	go c.pollLoop()

	c.running.Store(true)
	c.state.Store(int32(StateRunning))

	slog.Info("RedisQ consumer started", "queue_id", c.queueID, "endpoint", c.cfg.Endpoint)
	return nil
}

// Stop gracefully stops the consumer, waiting for the in-flight poll.
func (c *RedisQConsumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running.Load() {
		return fmt.Errorf("consumer not running")
	}

	c.state.Store(int32(StateDraining))
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("RedisQ consumer stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("RedisQ consumer stop timeout")
	}

	c.running.Store(false)
	c.state.Store(int32(StateStopped))
	return nil
}

// pollLoop polls until the context is cancelled, honoring the adaptive
// delay between polls.
func (c *RedisQConsumer) pollLoop() {
	defer c.wg.Done()

	slog.Info("Starting RedisQ poll loop")

	for {
		outcome := c.poll()
		delay := c.nextDelay(outcome)

		select {
		case <-c.ctx.Done():
			slog.Info("Poll loop context cancelled")
			return
		case <-time.After(delay):
		}
	}
}

// nextDelay advances the adaptive schedule: fast after a kill, idle when
// the stream is quiet or the kill was too old, growing backoff on errors.
// Any successful poll resets the backoff.
func (c *RedisQConsumer) nextDelay(outcome pollOutcome) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch outcome {
	case outcomeKill:
		c.backoff = c.cfg.BackoffInitial
		c.state.Store(int32(StateRunning))
		return c.cfg.FastInterval
	case outcomeIdle, outcomeOlder:
		c.backoff = c.cfg.BackoffInitial
		c.state.Store(int32(StateRunning))
		return c.cfg.IdleInterval
	default:
		c.backoff = time.Duration(float64(c.backoff) * c.cfg.BackoffFactor)
		if c.backoff > c.cfg.BackoffMax {
			c.backoff = c.cfg.BackoffMax
		}
		c.state.Store(int32(StateBackingOff))
		return c.backoff
	}
}

// poll performs a single RedisQ request and feeds any kill to the pipeline.
func (c *RedisQConsumer) poll() pollOutcome {
	url := fmt.Sprintf("%s?queueID=%s&ttw=%d", c.cfg.Endpoint, c.queueID, c.cfg.TTW)

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Error("Failed to create RedisQ request", "error", err)
		c.metrics.HTTPErrors.Add(1)
		return outcomeError
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.metrics.TotalPolls.Add(1)
	c.mu.Lock()
	c.lastPoll = time.Now()
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.ctx.Err() == nil {
			slog.Error("RedisQ request failed", "error", err)
		}
		c.metrics.HTTPErrors.Add(1)
		return outcomeError
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("RedisQ returned unexpected status", "status", resp.StatusCode)
		c.metrics.HTTPErrors.Add(1)
		return outcomeError
	}

	var redisqResp dto.RedisQResponse
	if err := json.NewDecoder(resp.Body).Decode(&redisqResp); err != nil {
		slog.Error("Failed to decode RedisQ response", "error", err)
		c.metrics.Unexpected.Add(1)
		return outcomeError
	}

	return c.processResponse(&redisqResp)
}

// processResponse handles the RedisQ envelope.
func (c *RedisQConsumer) processResponse(resp *dto.RedisQResponse) pollOutcome {
	if resp.Package == nil {
		c.metrics.NullResponses.Add(1)
		return outcomeIdle
	}

	pkg := resp.Package
	if len(pkg.Killmail) == 0 {
		slog.Warn("RedisQ package without killmail", "kill_id", pkg.KillID)
		c.metrics.Unexpected.Add(1)
		return outcomeError
	}

	zkb := pkg.ZKB
	result, err := c.pipeline.Ingest(c.ctx, pkg.Killmail, &zkb)
	if err != nil {
		if errs.KindOf(err) != "" {
			c.metrics.ParseErrors.Add(1)
		} else {
			c.metrics.StoreErrors.Add(1)
		}
		slog.Error("Failed to process killmail", "error", err, "kill_id", pkg.KillID)
		// The kill itself arrived; a bad payload should not slow the loop
		// down like an upstream failure would.
		return outcomeIdle
	}

	if result.Older {
		c.metrics.OlderSkips.Add(1)
		return outcomeOlder
	}

	c.metrics.KillmailsFound.Add(1)
	c.metrics.LastKillmailID.Store(pkg.KillID)
	if result.Stored {
		slog.Info("Killmail processed", "killmail_id", pkg.KillID, "system_id", result.SystemID, "event_id", result.EventID, "value", pkg.ZKB.TotalValue, "npc", pkg.ZKB.NPC)
	}
	return outcomeKill
}

// Status is a snapshot of the consumer for the status endpoint.
type Status struct {
	State          string     `json:"state"`
	QueueID        string     `json:"queue_id"`
	LastPoll       *time.Time `json:"last_poll,omitempty"`
	LastKillmailID int64      `json:"last_killmail_id,omitempty"`
	TotalPolls     int64      `json:"total_polls"`
	NullResponses  int64      `json:"null_responses"`
	KillmailsFound int64      `json:"killmails_found"`
	OlderSkips     int64      `json:"older_skips"`
	HTTPErrors     int64      `json:"http_errors"`
	ParseErrors    int64      `json:"parse_errors"`
	Unexpected     int64      `json:"unexpected_responses"`
	StoreErrors    int64      `json:"store_errors"`
	UptimeSeconds  int64      `json:"uptime_seconds"`
}

// GetStatus returns the current consumer status.
func (c *RedisQConsumer) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := Status{
		State:          ServiceState(c.state.Load()).String(),
		QueueID:        c.queueID,
		LastKillmailID: c.metrics.LastKillmailID.Load(),
		TotalPolls:     c.metrics.TotalPolls.Load(),
		NullResponses:  c.metrics.NullResponses.Load(),
		KillmailsFound: c.metrics.KillmailsFound.Load(),
		OlderSkips:     c.metrics.OlderSkips.Load(),
		HTTPErrors:     c.metrics.HTTPErrors.Load(),
		ParseErrors:    c.metrics.ParseErrors.Load(),
		Unexpected:     c.metrics.Unexpected.Load(),
		StoreErrors:    c.metrics.StoreErrors.Load(),
	}
	if !c.lastPoll.IsZero() {
		lastPoll := c.lastPoll
		status.LastPoll = &lastPoll
	}
	if !c.startTime.IsZero() {
		status.UptimeSeconds = int64(time.Since(c.startTime).Seconds())
	}
	return status
}

// Running reports whether the poll loop is active.
func (c *RedisQConsumer) Running() bool {
	return c.running.Load()
}
