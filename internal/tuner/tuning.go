package tuner

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/net/html"

	"github.com/snapetech/tunergw/internal/browserctl"
	"github.com/snapetech/tunergw/internal/channel"
)

// tuneOutcome distinguishes a verified live play from a no-airings placeholder.
type tuneOutcome int

const (
	tuneOutcomeLive tuneOutcome = iota
	tuneOutcomePlaceholder
)

// Timeouts from §5.
const (
	navigateTimeout    = 30 * time.Second
	guideReadyTimeout  = 10 * time.Second
	playSearchTimeout  = 8 * time.Second
	videoReadyTimeout  = 15 * time.Second
	playSearchPoll     = 300 * time.Millisecond
	videoReadyPoll     = 500 * time.Millisecond
	maxScrollAttempts  = 15
	scrollDelay        = 200 * time.Millisecond
)

// runTuningAlgorithm implements §4.4 steps (1)-(6); step (7), starting the
// capture pipeline, is done by Tune. It returns
// tuneOutcomePlaceholder when a "no upcoming airings" notice is found and
// closed, tuneOutcomeLive once a playing video element is confirmed ready.
func (t *Tuner) runTuningAlgorithm(ctx context.Context, ch channel.Channel) (tuneOutcome, error) {
	// (1) ensure the browser is on the guide page.
	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	err := t.deps.Control.Navigate(navCtx, t.deps.GuideURL, browserctl.WaitDOMReady, guideReadyTimeout)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("navigate to guide: %w", err)
	}

	// (2) search priorities (a)-(c) across up to maxScrollAttempts scroll steps.
	match, err := t.locateChannelWithScrolling(ctx, ch)
	if err != nil {
		return 0, err
	}

	// (3) no-airings probe.
	doc, err := t.fetchDocument(ctx)
	if err != nil {
		return 0, err
	}
	if browserctl.NoAiringsNotice(doc) {
		if err := t.deps.Control.QueryAndClick(ctx, "", "closeNoAiringsNotice"); err != nil {
			t.deps.Log.Debug().Err(err).Msg("tuner: dismiss no-airings notice failed (continuing)")
		}
		return tuneOutcomePlaceholder, nil
	}

	if err := t.clickGuideEntry(ctx, match); err != nil {
		return 0, err
	}

	// (4) locate and click a play control.
	if err := t.findAndClickPlayControl(ctx); err != nil {
		return 0, err
	}

	// (5) wait for the video element to become ready.
	if err := t.waitVideoReady(ctx); err != nil {
		return 0, err
	}

	// (6) fill the viewport.
	if err := t.deps.Control.Evaluate(ctx, fillViewportScript, nil, nil); err != nil {
		t.deps.Log.Debug().Err(err).Msg("tuner: fill-viewport transform failed (continuing)")
	}

	return tuneOutcomeLive, nil
}

func (t *Tuner) fetchDocument(ctx context.Context) (*html.Node, error) {
	raw, err := t.deps.Control.DocumentHTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch document: %w", err)
	}
	doc, err := browserctl.ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func (t *Tuner) locateChannelWithScrolling(ctx context.Context, ch channel.Channel) (*browserctl.Match, error) {
	doc, err := t.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}
	if m, ok := browserctl.FindChannelMatch(doc, ch); ok {
		return m, nil
	}
	for i := 0; i < maxScrollAttempts; i++ {
		if err := t.deps.Control.Evaluate(ctx, "window.scrollBy(0, window.innerHeight)", nil, nil); err != nil {
			return nil, fmt.Errorf("scroll guide: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(scrollDelay):
		}
		doc, err := t.fetchDocument(ctx)
		if err != nil {
			return nil, err
		}
		if m, ok := browserctl.FindChannelMatch(doc, ch); ok && m.Priority != browserctl.PriorityFirstWord {
			return m, nil
		}
	}
	return nil, fmt.Errorf("channel not located in guide after %d scroll attempts", maxScrollAttempts)
}

func (t *Tuner) clickGuideEntry(ctx context.Context, m *browserctl.Match) error {
	return t.deps.Control.QueryAndClick(ctx, "", fmt.Sprintf("guideEntryByPriority:%s", m.Priority.String()))
}

func (t *Tuner) findAndClickPlayControl(ctx context.Context) error {
	deadline := time.Now().Add(playSearchTimeout)
	for time.Now().Before(deadline) {
		doc, err := t.fetchDocument(ctx)
		if err != nil {
			return err
		}
		if _, ok := browserctl.FindPlayControl(doc); ok {
			return t.deps.Control.QueryAndClick(ctx, "", "playControl")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(playSearchPoll):
		}
	}
	return fmt.Errorf("no play control found within %s", playSearchTimeout)
}

type videoReadyState struct {
	ReadyState  int     `json:"ready_state"`
	CurrentTime float64 `json:"current_time"`
	Paused      bool    `json:"paused"`
}

func (t *Tuner) waitVideoReady(ctx context.Context) error {
	deadline := time.Now().Add(videoReadyTimeout)
	attemptedUnmute := false
	for time.Now().Before(deadline) {
		var st videoReadyState
		if err := t.deps.Control.Evaluate(ctx, videoReadyScript, nil, &st); err != nil {
			return fmt.Errorf("probe video readiness: %w", err)
		}
		if st.ReadyState >= 3 && st.CurrentTime > 0 {
			return nil
		}
		if st.ReadyState >= 4 && st.Paused && !attemptedUnmute {
			attemptedUnmute = true
			if err := t.deps.Control.Evaluate(ctx, unmutePlayScript, nil, nil); err != nil {
				t.deps.Log.Debug().Err(err).Msg("tuner: unmute/play attempt failed")
			}
		}
		if st.ReadyState >= 4 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(videoReadyPoll):
		}
	}
	return fmt.Errorf("video never became ready within %s", videoReadyTimeout)
}

const fillViewportScript = `(function(){var v=document.querySelector('video');if(!v)return;v.muted=false;v.style.position='fixed';v.style.top='0';v.style.left='0';v.style.width='100vw';v.style.height='100vh';v.style.zIndex='99999';v.controls=false;})()`

const videoReadyScript = `(function(){var v=document.querySelector('video');if(!v)return{ready_state:0,current_time:0,paused:true};return{ready_state:v.readyState,current_time:v.currentTime,paused:v.paused};})()`

const unmutePlayScript = `(function(){var v=document.querySelector('video');if(!v)return;v.muted=false;v.play();})()`
