// Package tuner implements the Tuner FSM (C4): one browser + display +
// capture triple driven by a strict state machine, plus its watchdog
// (C7) and control-plane reconnect loop.
package tuner

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/snapetech/tunergw/internal/browserctl"
	"github.com/snapetech/tunergw/internal/capture"
	"github.com/snapetech/tunergw/internal/channel"
	"github.com/snapetech/tunergw/internal/fsm"
	"github.com/snapetech/tunergw/internal/gwerrors"
	"github.com/snapetech/tunergw/internal/tunehistory"
)

// State is one of the §4.4 Tuner FSM states.
type State string

const (
	StateStopped   State = "STOPPED"
	StateStarting  State = "STARTING"
	StateFree      State = "FREE"
	StateTuning    State = "TUNING"
	StateStreaming State = "STREAMING"
	StateError     State = "ERROR"
)

// Event is one of the §4.4 transition-triggering events.
type Event string

const (
	EventStart              Event = "start"
	EventProvisionOK        Event = "provision_ok"
	EventProvisionFail      Event = "provision_fail"
	EventTune               Event = "tune"
	EventPlayVerified       Event = "play_verified"
	EventNoAirings          Event = "no_airings"
	EventUnrecoverable      Event = "unrecoverable"
	EventBlackScreen        Event = "black_screen"
	EventStop               Event = "stop"
)

// Reconnect policy (§4.4): up to M attempts, exponential backoff capped at 30s.
const (
	MaxReconnectAttempts = 5
	ReconnectCap         = 30 * time.Second
)

var (
	tunerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tunergw_tuner_state",
		Help: "1 for the tuner's current state, labeled by state name; 0 otherwise.",
	}, []string{"tuner_id", "state"})
	reconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunergw_tuner_reconnect_attempts_total",
		Help: "Reconnect attempts by tuner.",
	}, []string{"tuner_id"})
)

// Backoff returns min(2^n * 1s, cap) for the nth (0-indexed) reconnect attempt.
func Backoff(attempt int, cap time.Duration) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

// Deps are the collaborators a Tuner drives; one set per Tuner instance.
type Deps struct {
	ID          int
	Control     *browserctl.Client
	Capture     *capture.Pipeline
	DisplayID   string
	OutputDir   string
	GuideURL    string
	ControlAddr string
	Log         zerolog.Logger

	// History records each completed tune() attempt. Optional: nil disables
	// audit logging (used by tests that don't care about it).
	History *tunehistory.Store
}

// Tuner is the mutable per-index record of §3, wrapping an fsm.Machine.
type Tuner struct {
	deps Deps

	opMu sync.Mutex // serializes start/tune/stop/handle_black_screen/reconnect

	machine *fsm.Machine[State, Event]

	mu                sync.RWMutex
	currentChannel    *channel.Channel
	clientCount       int
	lastActivityTS    time.Time
	connectionHealthy bool
	reconnectAttempts int
}

// New builds a Tuner in STOPPED state with its transition table installed.
func New(deps Deps) *Tuner {
	t := &Tuner{deps: deps, connectionHealthy: true, lastActivityTS: time.Now()}
	transitions := []fsm.Transition[State, Event]{
		{From: StateStopped, Event: EventStart, To: StateStarting},
		{From: StateStarting, Event: EventProvisionOK, To: StateFree},
		{From: StateStarting, Event: EventProvisionFail, To: StateStopped},
		{From: StateFree, Event: EventTune, To: StateTuning},
		{From: StateStreaming, Event: EventTune, To: StateTuning},
		{From: StateTuning, Event: EventPlayVerified, To: StateStreaming},
		{From: StateTuning, Event: EventNoAirings, To: StateStreaming},
		{From: StateTuning, Event: EventUnrecoverable, To: StateError},
		{From: StateStreaming, Event: EventBlackScreen, To: StateTuning},
		{From: StateStarting, Event: EventStop, To: StateStopped},
		{From: StateFree, Event: EventStop, To: StateStopped},
		{From: StateTuning, Event: EventStop, To: StateStopped},
		{From: StateStreaming, Event: EventStop, To: StateStopped},
		{From: StateError, Event: EventStop, To: StateStopped},
	}
	m, err := fsm.New(StateStopped, transitions)
	if err != nil {
		panic(fmt.Sprintf("tuner: bad transition table: %v", err))
	}
	t.machine = m
	t.publishState()
	return t
}

func (t *Tuner) publishState() {
	for _, s := range []State{StateStopped, StateStarting, StateFree, StateTuning, StateStreaming, StateError} {
		v := 0.0
		if s == t.machine.State() {
			v = 1.0
		}
		tunerStateGauge.WithLabelValues(fmt.Sprint(t.deps.ID), string(s)).Set(v)
	}
}

// ID returns the tuner's pool index.
func (t *Tuner) ID() int { return t.deps.ID }

// State returns the current FSM state.
func (t *Tuner) State() State { return t.machine.State() }

// CurrentChannel returns the channel this tuner is tuned to, if any.
func (t *Tuner) CurrentChannel() *channel.Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentChannel
}

// ClientCount returns the number of attached client sinks.
func (t *Tuner) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clientCount
}

// LastActivity returns the last time a client attached/detached, or the
// time the tuner was built if no client ever has.
func (t *Tuner) LastActivity() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastActivityTS
}

// IncrClients increments client_count and refreshes last_activity_ts.
func (t *Tuner) IncrClients() {
	t.mu.Lock()
	t.clientCount++
	t.lastActivityTS = time.Now()
	t.mu.Unlock()
}

// DecrClients decrements client_count (floored at 0) and refreshes last_activity_ts.
func (t *Tuner) DecrClients() {
	t.mu.Lock()
	if t.clientCount > 0 {
		t.clientCount--
	}
	t.lastActivityTS = time.Now()
	t.mu.Unlock()
}

// Start provisions capture and control, then transitions STOPPED->STARTING->FREE.
func (t *Tuner) Start(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	if _, err := t.machine.Fire(ctx, EventStart); err != nil {
		return err
	}
	defer t.publishState()

	if err := t.deps.Control.Connect(ctx, t.deps.ControlAddr); err != nil {
		t.machine.Force(StateStopped)
		return fmt.Errorf("tuner %d: provisioning failed: %w", t.deps.ID, err)
	}
	t.mu.Lock()
	t.connectionHealthy = true
	t.mu.Unlock()
	if _, err := t.machine.Fire(ctx, EventProvisionOK); err != nil {
		return err
	}
	return nil
}

// Stop is idempotent: stops capture, clears the current channel and client
// count, and returns the tuner to STOPPED. The control client is left as it
// is (it has no close operation) and the display is not released.
func (t *Tuner) Stop(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	_ = t.deps.Capture.Stop()
	t.machine.Force(StateStopped)
	t.mu.Lock()
	t.currentChannel = nil
	t.clientCount = 0
	t.mu.Unlock()
	t.publishState()
	return nil
}

// Tune drives the browser to ch and starts capture. Only one of
// start/tune/stop/handle_black_screen/reconnect may run at a time per tuner
// (serialized by opMu); a tune-in-progress blocks a later tune, which wins
// once the earlier one fully resolves.
func (t *Tuner) Tune(ctx context.Context, ch channel.Channel) (err error) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	start := time.Now()
	outcome := "error"
	defer func() {
		t.recordTune(ch, outcome, err, time.Since(start))
	}()

	from := t.machine.State()
	if from != StateFree && from != StateStreaming {
		return fmt.Errorf("tuner %d: %w: cannot tune from %s", t.deps.ID, gwerrors.ErrTuneFailed, from)
	}
	if _, err = t.machine.Fire(ctx, EventTune); err != nil {
		return err
	}
	defer t.publishState()

	_ = t.deps.Capture.Stop()

	var result tuneOutcome
	result, err = t.runTuningAlgorithm(ctx, ch)
	if err != nil {
		t.machine.Force(StateError)
		err = fmt.Errorf("tuner %d: %w: %v", t.deps.ID, gwerrors.ErrTuneFailed, err)
		return err
	}

	t.mu.Lock()
	t.currentChannel = &ch
	t.mu.Unlock()

	if result == tuneOutcomePlaceholder {
		outcome = "placeholder"
		if err = t.deps.Capture.StartPlaceholder(context.WithoutCancel(ctx), t.deps.DisplayID, "No upcoming airings"); err != nil {
			t.machine.Force(StateError)
			outcome = "error"
			err = fmt.Errorf("tuner %d: %w: placeholder: %v", t.deps.ID, gwerrors.ErrCaptureFailed, err)
			return err
		}
		_, err = t.machine.Fire(ctx, EventNoAirings)
		return err
	}

	if err = t.deps.Capture.Start(context.WithoutCancel(ctx), t.deps.DisplayID); err != nil {
		t.machine.Force(StateError)
		outcome = "error"
		err = fmt.Errorf("tuner %d: %w: %v", t.deps.ID, gwerrors.ErrCaptureFailed, err)
		return err
	}
	outcome = "live"
	_, err = t.machine.Fire(ctx, EventPlayVerified)
	return err
}

// recordTune appends one completed tune() attempt to the audit log (§3
// "Tune record"). Best-effort: a history-write failure never fails the tune.
func (t *Tuner) recordTune(ch channel.Channel, outcome string, tuneErr error, dur time.Duration) {
	if t.deps.History == nil {
		return
	}
	detail := ""
	if tuneErr != nil {
		detail = tuneErr.Error()
	}
	rec := tunehistory.Record{
		TunerID:   t.deps.ID,
		ChannelID: ch.ID,
		Outcome:   outcome,
		Detail:    detail,
		Duration:  dur,
		At:        time.Now(),
	}
	if err := t.deps.History.Append(context.Background(), rec); err != nil {
		t.deps.Log.Warn().Err(err).Msg("tuner: failed to append tune history record")
	}
}

// HandleBlackScreen is wired as the capture pipeline's stall callback
// (§4.7): it re-issues tune(current_channel). If re-tune fails the tuner
// enters ERROR.
func (t *Tuner) HandleBlackScreen(ctx context.Context) {
	ch := t.CurrentChannel()
	if ch == nil {
		return
	}
	if err := t.Tune(ctx, *ch); err != nil {
		t.deps.Log.Warn().Err(err).Int("tuner_id", t.deps.ID).Msg("tuner: re-tune after black screen failed")
	}
}

// Reconnect attempts up to MaxReconnectAttempts control-plane reconnects
// with exponential backoff capped at ReconnectCap (§4.4). On success, if the
// previous state was ERROR it resets to FREE; otherwise it resumes whatever
// state it was in. On exhaustion the tuner becomes ERROR.
func (t *Tuner) Reconnect(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	prev := t.machine.State()
	for attempt := 0; attempt < MaxReconnectAttempts; attempt++ {
		reconnectAttemptsTotal.WithLabelValues(fmt.Sprint(t.deps.ID)).Inc()
		if err := t.deps.Control.Connect(ctx, t.deps.ControlAddr); err == nil {
			t.mu.Lock()
			t.connectionHealthy = true
			t.reconnectAttempts = 0
			t.mu.Unlock()
			if prev == StateError {
				t.machine.Force(StateFree)
			}
			t.publishState()
			return nil
		}
		wait := Backoff(attempt, ReconnectCap)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	t.machine.Force(StateError)
	t.mu.Lock()
	t.connectionHealthy = false
	t.reconnectAttempts = MaxReconnectAttempts
	t.mu.Unlock()
	t.publishState()
	return fmt.Errorf("tuner %d: %w: reconnect exhausted", t.deps.ID, gwerrors.ErrControlDisconnected)
}

// ConnectionHealthy reports the last known control-plane health.
func (t *Tuner) ConnectionHealthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connectionHealthy
}

// PlaylistPath returns this tuner's rolling HLS playlist file path.
func (t *Tuner) PlaylistPath() string { return t.deps.Capture.PlaylistPath() }

// SegmentPath returns the on-disk path for a named HLS segment file.
func (t *Tuner) SegmentPath(name string) string { return t.deps.Capture.SegmentPath(name) }

// AddClient attaches sink to this tuner's capture fan-out (the
// /stream/{channel_id} direct-stream endpoint's client sink).
func (t *Tuner) AddClient(id string, sink capture.Sink) {
	t.deps.Capture.AddClient(id, sink)
	t.IncrClients()
}

// RemoveClient detaches a previously attached direct-stream sink.
func (t *Tuner) RemoveClient(id string) {
	t.deps.Capture.RemoveClient(id)
	t.DecrClients()
}
