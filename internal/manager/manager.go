// Package manager implements the Tuner Manager (C5): a bounded pool of
// tuners with an ordered acquire policy, idle reclamation, and ERROR
// restart, adapted from this lineage's admission-control pooling style
// down to a priority-free four-step search (no preemption, no GPU/CPU
// pressure gating — the pool has exactly one resource class: tuners).
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/snapetech/tunergw/internal/channel"
	"github.com/snapetech/tunergw/internal/gwerrors"
	"github.com/snapetech/tunergw/internal/tuner"
)

var (
	tunersInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tunergw_manager_tuners_in_use",
		Help: "Tuners currently STREAMING or TUNING.",
	})
	reaperRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunergw_manager_reaper_restarts_total",
		Help: "ERROR tuners restarted by the reaper.",
	})
	reaperReclaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunergw_manager_reaper_idle_reclaims_total",
		Help: "Idle tuners whose capture was stopped by the reaper.",
	})
)

// ReapInterval is the periodic reaper cadence (§4.5).
const ReapInterval = 30 * time.Second

// Manager owns a fixed-size pool of tuners and the only acquire/release
// policy that touches them.
type Manager struct {
	mu          sync.Mutex
	tuners      []*tuner.Tuner
	idleTimeout time.Duration
	log         zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Manager over tuners, already constructed (one per pool
// slot) but not yet started.
func New(tuners []*tuner.Tuner, idleTimeout time.Duration, log zerolog.Logger) *Manager {
	sorted := make([]*tuner.Tuner, len(tuners))
	copy(sorted, tuners)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })
	return &Manager{
		tuners:      sorted,
		idleTimeout: idleTimeout,
		log:         log,
	}
}

// Start provisions every tuner (STOPPED -> FREE) and launches the reaper.
// A tuner that fails to provision is logged and left STOPPED; the reaper
// does not restart STOPPED tuners, only ERROR ones, so a tuner that never
// came up stays out of the pool until the process is restarted.
func (m *Manager) Start(ctx context.Context) error {
	var firstErr error
	for _, t := range m.tuners {
		if err := t.Start(ctx); err != nil {
			m.log.Error().Err(err).Int("tuner_id", t.ID()).Msg("manager: tuner failed to provision")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.reapLoop()
	return firstErr
}

// Shutdown stops the reaper and every tuner.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.stop != nil {
		close(m.stop)
		<-m.done
	}
	for _, t := range m.tuners {
		_ = t.Stop(ctx)
	}
}

// Acquire implements the §4.5 ordered search: (1) a tuner already
// STREAMING ch, (2) a FREE tuner, (3) a STREAMING tuner with no clients,
// ties broken by lowest id; returns gwerrors.ErrAllBusy otherwise.
func (m *Manager) Acquire(ch channel.Channel) (*tuner.Tuner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tuners {
		if t.State() == tuner.StateStreaming {
			if cur := t.CurrentChannel(); cur != nil && cur.ID == ch.ID {
				m.publishInUse()
				return t, nil
			}
		}
	}
	for _, t := range m.tuners {
		if t.State() == tuner.StateFree {
			m.publishInUse()
			return t, nil
		}
	}
	for _, t := range m.tuners {
		if t.State() == tuner.StateStreaming && t.ClientCount() == 0 {
			m.publishInUse()
			return t, nil
		}
	}
	return nil, fmt.Errorf("manager: %w", gwerrors.ErrAllBusy)
}

// TunerByID returns the tuner with the given pool index, if any.
func (m *Manager) TunerByID(id int) (*tuner.Tuner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tuners {
		if t.ID() == id {
			return t, true
		}
	}
	return nil, false
}

// Release decrements the tuner's client count and refreshes its activity
// timestamp; it never stops capture directly (the reaper does, once the
// tuner has been idle past idle_timeout).
func (m *Manager) Release(t *tuner.Tuner) {
	t.DecrClients()
	m.publishInUse()
}

func (m *Manager) publishInUse() {
	n := 0
	for _, t := range m.tuners {
		if t.State() == tuner.StateStreaming || t.State() == tuner.StateTuning {
			n++
		}
	}
	tunersInUse.Set(float64(n))
}

// Status is the §6 /api/status per-tuner snapshot.
type Status struct {
	ID          int
	State       string
	Channel     string
	ClientCount int
	LastActive  time.Time
}

// Status returns a point-in-time snapshot of every tuner in the pool.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.tuners))
	for _, t := range m.tuners {
		ch := ""
		if c := t.CurrentChannel(); c != nil {
			ch = c.ID
		}
		out = append(out, Status{
			ID:          t.ID(),
			State:       string(t.State()),
			Channel:     ch,
			ClientCount: t.ClientCount(),
			LastActive:  t.LastActivity(),
		})
	}
	return out
}

// KillAllCapture force-stops every tuner's capture pipeline; each affected
// tuner returns to FREE (browser kept warm, matching the reaper's own idle
// reclaim behavior) rather than being fully restarted.
func (m *Manager) KillAllCapture(ctx context.Context) {
	m.mu.Lock()
	tuners := make([]*tuner.Tuner, len(m.tuners))
	copy(tuners, m.tuners)
	m.mu.Unlock()

	for _, t := range tuners {
		if t.State() == tuner.StateStreaming || t.State() == tuner.StateTuning {
			if err := t.Stop(ctx); err != nil {
				m.log.Warn().Err(err).Int("tuner_id", t.ID()).Msg("manager: ffmpeg kill stop failed")
				continue
			}
			if err := t.Start(ctx); err != nil {
				m.log.Error().Err(err).Int("tuner_id", t.ID()).Msg("manager: ffmpeg kill reprovision failed")
			}
		}
	}
}

func (m *Manager) reapLoop() {
	defer close(m.done)
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapOnce(context.Background())
		}
	}
}

// reapOnce runs one reaper pass (§4.5): idle STREAMING tuners have their
// capture stopped and return to FREE with the browser kept warm; ERROR
// tuners are restarted via reconnect-then-reprovision.
func (m *Manager) reapOnce(ctx context.Context) {
	m.mu.Lock()
	tuners := make([]*tuner.Tuner, len(m.tuners))
	copy(tuners, m.tuners)
	m.mu.Unlock()

	for _, t := range tuners {
		switch t.State() {
		case tuner.StateStreaming:
			if t.ClientCount() == 0 && time.Since(t.LastActivity()) > m.idleTimeout {
				m.log.Info().Int("tuner_id", t.ID()).Msg("manager: reclaiming idle tuner")
				if err := t.Stop(ctx); err != nil {
					m.log.Warn().Err(err).Int("tuner_id", t.ID()).Msg("manager: idle reclaim stop failed")
					continue
				}
				reaperReclaimsTotal.Inc()
				if err := t.Start(ctx); err != nil {
					m.log.Error().Err(err).Int("tuner_id", t.ID()).Msg("manager: idle tuner failed to reprovision")
				}
			}
		case tuner.StateError:
			m.log.Warn().Int("tuner_id", t.ID()).Msg("manager: restarting ERROR tuner")
			reaperRestartsTotal.Inc()
			if err := t.Reconnect(ctx); err != nil {
				m.log.Error().Err(err).Int("tuner_id", t.ID()).Msg("manager: reconnect failed, forcing full restart")
				_ = t.Stop(ctx)
				if err := t.Start(ctx); err != nil {
					m.log.Error().Err(err).Int("tuner_id", t.ID()).Msg("manager: full restart failed")
				}
			}
		}
	}
	m.publishInUse()
}
