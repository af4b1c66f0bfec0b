package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/tunergw/internal/browserctl"
	"github.com/snapetech/tunergw/internal/capture"
	"github.com/snapetech/tunergw/internal/channel"
	"github.com/snapetech/tunergw/internal/gwerrors"
	"github.com/snapetech/tunergw/internal/tuner"
)

const guideFixture = `<html><body>
<div class="guide-entry" aria-label="Channel One"></div>
<div class="guide-entry" aria-label="Channel Two"></div>
<button aria-label="Play">Play</button>
</body></html>`

func fakeControlServer(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]any{"id": req.ID}
		switch req.Method {
		case "health_probe":
			resp["result"] = true
		case "navigate", "press_key", "query_and_click":
			resp["result"] = nil
		case "evaluate":
			var p struct {
				Script string `json:"script"`
			}
			_ = json.Unmarshal(req.Params, &p)
			switch {
			case p.Script == "document.documentElement.outerHTML":
				b, _ := json.Marshal(guideFixture)
				resp["result"] = json.RawMessage(b)
			case strings.Contains(p.Script, "readyState"):
				b, _ := json.Marshal(map[string]any{"ready_state": 4, "current_time": 1.5, "paused": false})
				resp["result"] = json.RawMessage(b)
			default:
				resp["result"] = nil
			}
		default:
			resp["result"] = nil
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestPool(t *testing.T, n int) *Manager {
	t.Helper()
	addr := fakeControlServer(t)
	tuners := make([]*tuner.Tuner, n)
	for i := 0; i < n; i++ {
		tuners[i] = tuner.New(tuner.Deps{
			ID:          i,
			Control:     browserctl.New(zerolog.Nop()),
			Capture:     capture.New(capture.Options{TunerID: "x", OutputDir: t.TempDir(), FFmpegPath: "true", Log: zerolog.Nop()}),
			ControlAddr: addr,
			GuideURL:    addr + "/guide",
			Log:         zerolog.Nop(),
		})
	}
	return New(tuners, 100*time.Millisecond, zerolog.Nop())
}

var (
	chanOne = channel.Channel{ID: "one", DisplayName: "Channel One", MatchTerms: []string{"Channel One"}}
	chanTwo = channel.Channel{ID: "two", DisplayName: "Channel Two", MatchTerms: []string{"Channel Two"}}
)

func TestAcquirePicksFreeTuner(t *testing.T) {
	m := newTestPool(t, 2)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown(context.Background())

	got, err := m.Acquire(chanOne)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != 0 {
		t.Errorf("Acquire() picked tuner %d, want lowest id 0", got.ID())
	}
}

func TestAcquireAllBusyWhenNoneFree(t *testing.T) {
	m := newTestPool(t, 1)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown(ctx)

	t0 := m.tuners[0]
	if err := t0.Tune(ctx, chanOne); err != nil {
		t.Fatal(err)
	}
	t0.IncrClients()

	_, err := m.Acquire(chanTwo)
	if !errors.Is(err, gwerrors.ErrAllBusy) {
		t.Errorf("Acquire() err = %v, want ErrAllBusy", err)
	}
}

func TestAcquireReturnsSameTunerAlreadyOnChannel(t *testing.T) {
	m := newTestPool(t, 2)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown(ctx)

	if err := m.tuners[1].Tune(ctx, chanOne); err != nil {
		t.Fatal(err)
	}

	got, err := m.Acquire(chanOne)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != 1 {
		t.Errorf("Acquire() = tuner %d, want 1 (already streaming chanOne)", got.ID())
	}
}

func TestStatusReportsAllTuners(t *testing.T) {
	m := newTestPool(t, 3)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown(ctx)

	st := m.Status()
	if len(st) != 3 {
		t.Fatalf("Status() len = %d, want 3", len(st))
	}
	for i, s := range st {
		if s.ID != i {
			t.Errorf("Status()[%d].ID = %d, want %d", i, s.ID, i)
		}
	}
}

func TestReapOnceReclaimsIdleStreamingTuner(t *testing.T) {
	m := newTestPool(t, 1)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown(ctx)

	if err := m.tuners[0].Tune(ctx, chanOne); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond) // exceed idleTimeout of 100ms

	m.reapOnce(ctx)

	if m.tuners[0].State() == tuner.StateStreaming {
		t.Error("reapOnce() left an idle-past-timeout tuner STREAMING")
	}
}

func TestReleaseDecrementsClientCount(t *testing.T) {
	m := newTestPool(t, 1)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown(ctx)

	m.tuners[0].IncrClients()
	m.Release(m.tuners[0])
	if m.tuners[0].ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", m.tuners[0].ClientCount())
	}
}
