// Package autocancel runs the backend's overdue-appointment sweep on a fixed
// period while enabled, and on demand.
package autocancel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/frontdesk/internal/platform/backend"
	"github.com/clinic/frontdesk/internal/platform/notification"
)

const (
	// DefaultPeriod is the interval between automatic sweeps.
	DefaultPeriod = 15 * time.Minute

	defaultTick       = time.Second
	defaultRunTimeout = 2 * time.Minute
	noticeSource      = "auto-cancel"
)

// ErrClosed is returned by a closed Poller.
var ErrClosed = errors.New("auto-cancel poller closed")

// Sweeper runs one overdue-appointment sweep.
type Sweeper interface {
	RunAutoCancel(ctx context.Context) (*backend.AutoCancelResult, error)
}

// Option configures a Poller.
type Option func(*Poller)

// WithPeriod overrides the sweep period.
func WithPeriod(d time.Duration) Option {
	return func(p *Poller) { p.period = d }
}

// WithTick overrides the countdown refresh interval.
func WithTick(d time.Duration) Option {
	return func(p *Poller) { p.tick = d }
}

// WithRunTimeout bounds a single sweep call.
func WithRunTimeout(d time.Duration) Option {
	return func(p *Poller) { p.runTimeout = d }
}

// WithClock overrides the clock used for next-run times.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

func WithNotifier(n notification.Notifier) Option {
	return func(p *Poller) { p.notifier = n }
}

// WithCountdownFunc registers fn to receive the countdown text on every
// display tick while armed.
func WithCountdownFunc(fn func(countdown string)) Option {
	return func(p *Poller) { p.onCountdown = fn }
}

// Status is a snapshot of the poller.
type Status struct {
	Enabled    bool                      `json:"enabled"`
	NextRunAt  *time.Time                `json:"next_run_at"`
	Countdown  string                    `json:"countdown"`
	Running    bool                      `json:"running"`
	LastRunAt  *time.Time                `json:"last_run_at"`
	LastResult *backend.AutoCancelResult `json:"last_result"`
	LastError  string                    `json:"last_error,omitempty"`
}

// Poller is Disabled until Enable and Armed until Disable or Close. While
// armed, a sweep runs every period and a display timer refreshes the
// countdown to the next run. Manual sweeps run in either state.
type Poller struct {
	sweeper     Sweeper
	period      time.Duration
	tick        time.Duration
	runTimeout  time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	notifier    notification.Notifier
	onCountdown func(string)

	// sem serializes sweeps, manual and automatic.
	sem chan struct{}

	mu         sync.Mutex
	enabled    bool
	closed     bool
	armGen     uint64
	nextRunAt  time.Time
	countdown  string
	stopLoop   context.CancelFunc
	loopDone   chan struct{}
	running    bool
	lastRunAt  time.Time
	lastResult *backend.AutoCancelResult
	lastErr    string
}

// New creates a disabled Poller.
func New(sweeper Sweeper, opts ...Option) *Poller {
	p := &Poller{
		sweeper:    sweeper,
		period:     DefaultPeriod,
		tick:       defaultTick,
		runTimeout: defaultRunTimeout,
		now:        time.Now,
		logger:     zerolog.Nop(),
		notifier:   notification.Nop{},
		sem:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ---------------------------------------------------------------------------
// State transitions
// ---------------------------------------------------------------------------

// Enable arms the poller. The first automatic sweep runs one period from
// now, not immediately. Enabling an armed poller does nothing.
func (p *Poller) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.enabled {
		return nil
	}

	p.enabled = true
	p.armGen++
	p.nextRunAt = p.now().Add(p.period)
	p.countdown = formatCountdown(p.period)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.stopLoop = cancel
	p.loopDone = done
	go p.loop(ctx, p.armGen, done)

	p.logger.Info().Time("next_run_at", p.nextRunAt).Dur("period", p.period).Msg("auto-cancel armed")
	return nil
}

// Disable disarms the poller: both timers stop, an automatic sweep in
// flight is cancelled and next_run_at is cleared. It returns once the timer
// goroutine has exited.
func (p *Poller) Disable() {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return
	}
	p.enabled = false
	p.armGen++
	p.nextRunAt = time.Time{}
	p.countdown = ""
	stop, done := p.stopLoop, p.loopDone
	p.stopLoop, p.loopDone = nil, nil
	p.mu.Unlock()

	stop()
	<-done
	p.logger.Info().Msg("auto-cancel disarmed")
}

// SetEnabled enables or disables the poller.
func (p *Poller) SetEnabled(enabled bool) error {
	if enabled {
		return p.Enable()
	}
	p.Disable()
	return nil
}

// Close disables the poller for good. It is safe to call more than once.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Disable()
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

func (p *Poller) loop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	period := time.NewTimer(p.period)
	defer period.Stop()
	display := time.NewTicker(p.tick)
	defer display.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-display.C:
			p.refreshCountdown(gen)
		case <-period.C:
			p.sweep(ctx, gen, true)
			period.Reset(p.period)
		}
	}
}

func (p *Poller) refreshCountdown(gen uint64) {
	p.mu.Lock()
	if gen != p.armGen {
		p.mu.Unlock()
		return
	}
	p.countdown = formatCountdown(p.nextRunAt.Sub(p.now()))
	text := p.countdown
	p.mu.Unlock()

	if p.onCountdown != nil {
		p.onCountdown(text)
	}
}

// formatCountdown renders d as MM:SS.
func formatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// ---------------------------------------------------------------------------
// Sweeps
// ---------------------------------------------------------------------------

// Trigger runs one sweep now, whatever the state. It never moves the next
// automatic run.
func (p *Poller) Trigger(ctx context.Context) (*backend.AutoCancelResult, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return p.sweep(ctx, 0, false)
}

// sweep calls the backend once. An automatic sweep whose arming generation
// ended while it ran reports nothing.
func (p *Poller) sweep(ctx context.Context, gen uint64, automatic bool) (*backend.AutoCancelResult, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, p.runTimeout)
	res, err := p.sweeper.RunAutoCancel(runCtx)
	cancel()
	if err == nil && res == nil {
		res = &backend.AutoCancelResult{CancelledAppointments: []backend.CancelledAppointment{}}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false

	if automatic {
		if gen != p.armGen {
			p.logger.Debug().Msg("discarding sweep of a disarmed poller")
			if err == nil {
				err = context.Canceled
			}
			return nil, err
		}
		p.nextRunAt = p.now().Add(p.period)
		p.countdown = formatCountdown(p.period)
	}
	p.lastRunAt = p.now()

	trigger := "manual"
	if automatic {
		trigger = "automatic"
	}

	if err != nil {
		p.lastErr = err.Error()
		p.logger.Warn().Err(err).Str("trigger", trigger).Msg("auto-cancel sweep failed")
		notification.Error(p.notifier, noticeSource, "Auto-cancel failed: %s", err.Error())
		return nil, err
	}

	p.lastResult = res
	p.lastErr = ""
	p.logger.Info().Str("trigger", trigger).Int("cancelled", res.CancelledCount).Msg("auto-cancel sweep completed")
	notification.Success(p.notifier, noticeSource, "Auto-cancel completed: %d appointment(s) cancelled", res.CancelledCount)
	return copyResult(res), nil
}

func copyResult(r *backend.AutoCancelResult) *backend.AutoCancelResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.CancelledAppointments = append([]backend.CancelledAppointment{}, r.CancelledAppointments...)
	return &cp
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Status returns a snapshot of the poller.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Enabled:    p.enabled,
		Countdown:  p.countdown,
		Running:    p.running,
		LastResult: copyResult(p.lastResult),
		LastError:  p.lastErr,
	}
	if !p.nextRunAt.IsZero() {
		t := p.nextRunAt
		st.NextRunAt = &t
	}
	if !p.lastRunAt.IsZero() {
		t := p.lastRunAt
		st.LastRunAt = &t
	}
	return st
}
