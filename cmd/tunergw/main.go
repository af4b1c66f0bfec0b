// Command tunergw runs the multi-tuner streaming gateway: it provisions a
// pool of browser-backed tuners, fronts them with an HDHomeRun-emulation and
// IPTV-style HTTP surface, and serves streams to any client that can consume
// an M3U playlist or HDHomeRun lineup.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/tunergw/internal/browserctl"
	"github.com/snapetech/tunergw/internal/capture"
	"github.com/snapetech/tunergw/internal/catalog"
	"github.com/snapetech/tunergw/internal/channel"
	"github.com/snapetech/tunergw/internal/config"
	"github.com/snapetech/tunergw/internal/gateway"
	"github.com/snapetech/tunergw/internal/health"
	"github.com/snapetech/tunergw/internal/manager"
	"github.com/snapetech/tunergw/internal/tunehistory"
	"github.com/snapetech/tunergw/internal/tuner"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "tunergw").Logger()

	for _, p := range []string{".env", "/etc/tunergw/.env"} {
		if err := config.LoadEnvFile(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("env file load failed")
		}
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config invalid")
	}

	cat := catalog.New()
	if err := cat.Load(cfg.CatalogPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", cfg.CatalogPath).Msg("catalog load failed, starting empty")
	}

	resolver := channel.New()
	resolver.Reload(cat.SnapshotLive())

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("state dir unavailable")
	}
	history, err := tunehistory.Open(cfg.StateDir + "/tunehistory.db")
	if err != nil {
		log.Fatal().Err(err).Msg("tune history store unavailable")
	}
	defer history.Close()

	tuners := make([]*tuner.Tuner, cfg.NumTuners)
	for i := 0; i < cfg.NumTuners; i++ {
		tunerLog := log.With().Int("tuner_id", i).Logger()
		outputDir := fmt.Sprintf("%s/tuner%d", cfg.HLSOutputRoot, i)
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", outputDir).Msg("hls output dir unavailable")
		}
		displayID := fmt.Sprintf(":%d", cfg.BaseDisplayID+i)
		controlAddr := fmt.Sprintf("http://127.0.0.1:%d", cfg.BaseControlPort+i)

		tuners[i] = tuner.New(tuner.Deps{
			ID:      i,
			Control: browserctl.New(tunerLog),
			Capture: capture.New(capture.Options{
				TunerID:      fmt.Sprintf("%d", i),
				OutputDir:    outputDir,
				SegmentTime:  cfg.SegmentTime,
				ListSize:     cfg.ListSize,
				ResolutionW:  cfg.ResolutionW,
				ResolutionH:  cfg.ResolutionH,
				VideoBitrate: cfg.VideoBitrate,
				AudioBitrate: cfg.AudioBitrate,
				DisplayID:    displayID,
				Log:          tunerLog,

				BlackScreenFn: func() { tuners[i].HandleBlackScreen(context.Background()) },
			}),
			DisplayID:   displayID,
			OutputDir:   outputDir,
			GuideURL:    cfg.BaseURL,
			ControlAddr: controlAddr,
			History:     history,
			Log:         tunerLog,
		})
	}

	pool := manager.New(tuners, cfg.IdleTimeout, log)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pool.Start(rootCtx); err != nil {
		log.Warn().Err(err).Msg("one or more tuners failed to provision at startup")
	}

	waitErr := health.WaitForPool(rootCtx, cfg.StartupDeadline, func() []health.PoolStatus {
		statuses := pool.Status()
		out := make([]health.PoolStatus, len(statuses))
		for i, s := range statuses {
			out[i] = health.PoolStatus{ID: s.ID, State: s.State}
		}
		return out
	})
	if waitErr != nil {
		log.Fatal().Err(waitErr).Msg("no tuner reached a usable state within the startup deadline")
	}

	gw := &gateway.Gateway{
		Resolver:     resolver,
		Manager:      pool,
		History:      history,
		BaseURL:      cfg.BaseURL,
		DeviceID:     cfg.DeviceID,
		FriendlyName: cfg.FriendlyName,
		TunerCount:   cfg.NumTuners,
		Log:          log,
	}

	if err := gw.Run(rootCtx, cfg.ListenAddr); err != nil {
		log.Error().Err(err).Msg("gateway server exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool.Shutdown(shutdownCtx)
	log.Info().Msg("tunergw stopped")
}
