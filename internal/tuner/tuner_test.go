package tuner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/tunergw/internal/browserctl"
	"github.com/snapetech/tunergw/internal/capture"
	"github.com/snapetech/tunergw/internal/channel"
	"github.com/snapetech/tunergw/internal/tunehistory"
)

func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16}
	for i, w := range want {
		got := Backoff(i, ReconnectCap)
		if got != w*time.Second {
			t.Errorf("Backoff(%d) = %s, want %s", i, got, w*time.Second)
		}
	}
}

func TestBackoffCapsAt30s(t *testing.T) {
	got := Backoff(10, ReconnectCap)
	if got != ReconnectCap {
		t.Errorf("Backoff(10) = %s, want %s", got, ReconnectCap)
	}
}

func newTestTuner(t *testing.T, guideHTML string) (*Tuner, string) {
	t.Helper()
	return newTestTunerWithHistory(t, guideHTML, nil)
}

func newTestTunerWithHistory(t *testing.T, guideHTML string, history *tunehistory.Store) (*Tuner, string) {
	t.Helper()
	docHTML := guideHTML

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := map[string]any{"id": req.ID}
		switch req.Method {
		case "health_probe":
			resp["result"] = true
		case "navigate":
			resp["result"] = nil
		case "evaluate":
			var p struct {
				Script string `json:"script"`
			}
			_ = json.Unmarshal(req.Params, &p)
			switch {
			case p.Script == "document.documentElement.outerHTML":
				b, _ := json.Marshal(docHTML)
				resp["result"] = json.RawMessage(b)
			case p.Script == videoReadyScript:
				b, _ := json.Marshal(map[string]any{"ready_state": 4, "current_time": 1.5, "paused": false})
				resp["result"] = json.RawMessage(b)
			default:
				resp["result"] = nil
			}
		case "press_key", "query_and_click":
			resp["result"] = nil
		default:
			resp["error"] = "unknown method"
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	ctrl := browserctl.New(zerolog.Nop())
	cap := capture.New(capture.Options{
		TunerID:      "0",
		OutputDir:    dir,
		SegmentTime:  4 * time.Second,
		ListSize:     5,
		ResolutionW:  1280,
		ResolutionH:  720,
		VideoBitrate: "1000k",
		AudioBitrate: "128k",
		FFmpegPath:   "true", // harmless no-op binary; exercises process ownership without real encoding
		Log:          zerolog.Nop(),
	})
	tun := New(Deps{
		ID:          0,
		Control:     ctrl,
		Capture:     cap,
		DisplayID:   ":10",
		OutputDir:   dir,
		GuideURL:    srv.URL + "/guide",
		ControlAddr: srv.URL,
		History:     history,
		Log:         zerolog.Nop(),
	})
	return tun, srv.URL
}

func TestTunerStartReachesFree(t *testing.T) {
	tun, _ := newTestTuner(t, `<html><body></body></html>`)
	if err := tun.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tun.State() != StateFree {
		t.Errorf("State() = %s, want FREE", tun.State())
	}
}

func TestTunerStartFailsWhenControlUnreachable(t *testing.T) {
	ctrl := browserctl.New(zerolog.Nop())
	cap := capture.New(capture.Options{TunerID: "1", OutputDir: t.TempDir(), Log: zerolog.Nop()})
	tun := New(Deps{ID: 1, Control: ctrl, Capture: cap, ControlAddr: "http://127.0.0.1:1", Log: zerolog.Nop()})
	if err := tun.Start(context.Background()); err == nil {
		t.Error("Start() with unreachable control = nil error, want error")
	}
	if tun.State() != StateStopped {
		t.Errorf("State() after failed Start() = %s, want STOPPED", tun.State())
	}
}

func TestTuneToLiveChannelReachesStreaming(t *testing.T) {
	tun, _ := newTestTuner(t, `<html><body><div class="guide-entry" aria-label="NBC East"></div><button aria-label="Play">Play</button></body></html>`)
	ctx := context.Background()
	if err := tun.Start(ctx); err != nil {
		t.Fatal(err)
	}
	ch := channel.Channel{ID: "nbc-e", Number: "05", DisplayName: "NBC East", MatchTerms: []string{"NBC East"}}
	if err := tun.Tune(ctx, ch); err != nil {
		t.Fatal(err)
	}
	if tun.State() != StateStreaming {
		t.Errorf("State() = %s, want STREAMING", tun.State())
	}
	if tun.CurrentChannel() == nil || tun.CurrentChannel().ID != "nbc-e" {
		t.Errorf("CurrentChannel() = %v, want nbc-e", tun.CurrentChannel())
	}
}

func TestTuneRecordsHistory(t *testing.T) {
	store, err := tunehistory.Open(t.TempDir() + "/h.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	tun, _ := newTestTunerWithHistory(t, `<html><body><div class="guide-entry" aria-label="NBC East"></div><button aria-label="Play">Play</button></body></html>`, store)
	ctx := context.Background()
	if err := tun.Start(ctx); err != nil {
		t.Fatal(err)
	}
	ch := channel.Channel{ID: "nbc-e", Number: "05", DisplayName: "NBC East", MatchTerms: []string{"NBC East"}}
	if err := tun.Tune(ctx, ch); err != nil {
		t.Fatal(err)
	}

	recs, err := store.Recent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("Recent(1) returned %d records, want 1", len(recs))
	}
	if recs[0].TunerID != 0 || recs[0].ChannelID != "nbc-e" || recs[0].Outcome != "live" {
		t.Errorf("recorded %+v, want tuner 0, channel nbc-e, outcome live", recs[0])
	}
}

func TestTuneToNoAiringsReachesStreamingPlaceholder(t *testing.T) {
	tun, _ := newTestTuner(t, `<html><body><div class="guide-entry" aria-label="NBC East"></div><div>No upcoming airings</div></body></html>`)
	ctx := context.Background()
	if err := tun.Start(ctx); err != nil {
		t.Fatal(err)
	}
	ch := channel.Channel{ID: "nbc-e", Number: "05", DisplayName: "NBC East", MatchTerms: []string{"NBC East"}}
	if err := tun.Tune(ctx, ch); err != nil {
		t.Fatal(err)
	}
	if tun.State() != StateStreaming {
		t.Errorf("State() = %s, want STREAMING (placeholder)", tun.State())
	}
}

func TestStopResetsToStoppedAndClearsState(t *testing.T) {
	tun, _ := newTestTuner(t, `<html><body><div class="guide-entry" aria-label="NBC East"></div><button aria-label="Play">Play</button></body></html>`)
	ctx := context.Background()
	_ = tun.Start(ctx)
	ch := channel.Channel{ID: "nbc-e", Number: "05", DisplayName: "NBC East", MatchTerms: []string{"NBC East"}}
	_ = tun.Tune(ctx, ch)
	tun.IncrClients()

	if err := tun.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if tun.State() != StateStopped {
		t.Errorf("State() = %s, want STOPPED", tun.State())
	}
	if tun.CurrentChannel() != nil {
		t.Error("CurrentChannel() != nil after Stop()")
	}
	if tun.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", tun.ClientCount())
	}
}

func TestIncrDecrClients(t *testing.T) {
	tun, _ := newTestTuner(t, `<html></html>`)
	tun.IncrClients()
	tun.IncrClients()
	if tun.ClientCount() != 2 {
		t.Fatalf("ClientCount() = %d, want 2", tun.ClientCount())
	}
	tun.DecrClients()
	if tun.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", tun.ClientCount())
	}
}

func TestDecrClientsFloorsAtZero(t *testing.T) {
	tun, _ := newTestTuner(t, `<html></html>`)
	tun.DecrClients()
	if tun.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", tun.ClientCount())
	}
}
