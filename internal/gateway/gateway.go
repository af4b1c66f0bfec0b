// Package gateway implements the HTTP Streaming Surface (C6): the single
// public entry point fronting the Channel Resolver, Tuner Manager, and each
// tuner's Capture Pipeline, plus an HDHomeRun-emulation discovery surface so
// standard DVR/IPTV clients auto-discover this gateway.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/snapetech/tunergw/internal/channel"
	"github.com/snapetech/tunergw/internal/gwerrors"
	"github.com/snapetech/tunergw/internal/manager"
	"github.com/snapetech/tunergw/internal/tunehistory"
)

// Gateway wires the Resolver, Manager, and tune-history store behind the
// full HTTP endpoint surface. It holds no tuner state of its own.
type Gateway struct {
	Resolver     *channel.Resolver
	Manager      *manager.Manager
	History      *tunehistory.Store
	BaseURL      string
	DeviceID     string
	FriendlyName string
	TunerCount   int
	Log          zerolog.Logger
}

// Router builds the chi mux for every endpoint this gateway serves.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(g.logRequests)

	r.Get("/playlist.m3u", g.handlePlaylist)
	r.Get("/stream/{channel_id}", g.handleStream)
	r.Get("/hls/{tuner_id}/playlist.m3u8", g.handleHLSPlaylist)
	r.Get("/hls/{tuner_id}/{segment}", g.handleHLSSegment)
	r.Get("/api/status", g.brotli(g.handleStatus))
	r.Post("/api/ffmpeg/kill", g.handleFFmpegKill)
	r.Post("/tve/directv/epg/refresh", g.handleEPGRefresh)
	r.Get("/api/settings", g.handleSettingsGet)
	r.Post("/api/settings", g.handleSettingsPost)
	r.Get("/api/tunes/recent", g.handleTunesRecent)

	r.Get("/discover.json", g.brotli(g.handleDiscover))
	r.Get("/lineup.json", g.brotli(g.handleLineup))
	r.Get("/lineup_status.json", g.handleLineupStatus)
	r.Get("/device.xml", g.handleDeviceXML)

	return r
}

// Run starts the HTTP server on addr and blocks until ctx is canceled, then
// shuts down gracefully.
func (g *Gateway) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: g.Router()}
	serverErr := make(chan error, 1)
	go func() {
		g.Log.Info().Str("addr", addr).Str("base_url", g.BaseURL).Msg("gateway: listening")
		serverErr <- srv.ListenAndServe()
	}()
	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		g.Log.Info().Msg("gateway: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.Log.Warn().Err(err).Msg("gateway: shutdown")
		}
		<-serverErr
		return nil
	}
}

func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("gateway: request")
	})
}

// brotli wraps next so its response is brotli-compressed when the client
// advertises support (status/lineup JSON snapshots polled repeatedly).
func (g *Gateway) brotli(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
			next(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "br")
		w.Header().Add("Vary", "Accept-Encoding")
		bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
		defer bw.Close()
		next(&brotliResponseWriter{ResponseWriter: w, Writer: bw}, r)
	}
}

type brotliResponseWriter struct {
	http.ResponseWriter
	Writer *brotli.Writer
}

func (b *brotliResponseWriter) Write(p []byte) (int, error) { return b.Writer.Write(p) }

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status, env := gwerrors.Classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// handlePlaylist serves /playlist.m3u: an IPTV playlist referencing
// per-channel /stream/{channel_id} endpoints.
func (g *Gateway) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "audio/x-mpegurl; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte("#EXTM3U\n"))
	base := strings.TrimSuffix(g.BaseURL, "/")
	for _, ch := range g.Resolver.All() {
		name := ch.DisplayName
		if name == "" {
			name = "Channel " + ch.Number
		}
		fmt.Fprintf(w, "#EXTINF:-1 tvg-id=\"%s\" tvg-chno=\"%s\",%s\n", ch.ID, ch.Number, strings.ReplaceAll(name, ",", " "))
		fmt.Fprintf(w, "%s/stream/%s\n", base, ch.ID)
	}
}

// handleStream serves /stream/{channel_id}: acquires a tuner, tunes if
// needed, and streams transport-stream bytes until the client disconnects.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := chi.URLParam(r, "channel_id")

	ch, err := g.Resolver.Resolve(channelID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	t, err := g.Manager.Acquire(ch)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if cur := t.CurrentChannel(); cur == nil || cur.ID != ch.ID {
		if err := t.Tune(ctx, ch); err != nil {
			g.Manager.Release(t)
			g.writeError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")
	flusher, _ := w.(http.Flusher)

	clientID := strconv.FormatInt(time.Now().UnixNano(), 36)
	t.AddClient(clientID, &flushingSink{w: w, flusher: flusher})
	defer func() {
		t.RemoveClient(clientID)
		g.Manager.Release(t)
	}()

	<-ctx.Done()
}

// flushingSink adapts an http.ResponseWriter into a capture.Sink that
// flushes after every write so a direct-stream client sees bytes promptly.
type flushingSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *flushingSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err == nil && s.flusher != nil {
		s.flusher.Flush()
	}
	return n, err
}

// handleHLSPlaylist serves /hls/{tuner_id}/playlist.m3u8.
func (g *Gateway) handleHLSPlaylist(w http.ResponseWriter, r *http.Request) {
	t, ok := g.tunerFromParam(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	http.ServeFile(w, r, t.PlaylistPath())
}

// handleHLSSegment serves /hls/{tuner_id}/{segment}.
func (g *Gateway) handleHLSSegment(w http.ResponseWriter, r *http.Request) {
	t, ok := g.tunerFromParam(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	http.ServeFile(w, r, t.SegmentPath(chi.URLParam(r, "segment")))
}

func (g *Gateway) tunerFromParam(w http.ResponseWriter, r *http.Request) (tunerLike, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "tuner_id"))
	if err != nil {
		g.writeError(w, fmt.Errorf("%w: bad tuner id", gwerrors.ErrNotFound))
		return nil, false
	}
	t, ok := g.Manager.TunerByID(id)
	if !ok {
		g.writeError(w, gwerrors.ErrNotFound)
		return nil, false
	}
	return t, true
}

// tunerLike is the slice of *tuner.Tuner the HLS file handlers need; kept
// minimal so this file doesn't need the concrete tuner type name.
type tunerLike interface {
	PlaylistPath() string
	SegmentPath(string) string
}

// statusResponse is the /api/status JSON shape.
type statusResponse struct {
	Ready        bool             `json:"ready"`
	Tuners       []manager.Status `json:"tuners"`
	ChannelCount int              `json:"channel_count"`
	BaseURL      string           `json:"base_url"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Ready:        g.Resolver.Count() > 0,
		Tuners:       g.Manager.Status(),
		ChannelCount: g.Resolver.Count(),
		BaseURL:      g.BaseURL,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleFFmpegKill(w http.ResponseWriter, r *http.Request) {
	g.Manager.KillAllCapture(r.Context())
	w.WriteHeader(http.StatusAccepted)
}

// handleEPGRefresh logs the refresh request and acknowledges it with 202.
// Acquiring and materializing a fresh EPG is out of this gateway's scope;
// the request is not forwarded anywhere, the route exists so a caller's
// automation doesn't error on a missing route.
func (g *Gateway) handleEPGRefresh(w http.ResponseWriter, r *http.Request) {
	g.Log.Info().Msg("gateway: epg refresh requested")
	w.WriteHeader(http.StatusAccepted)
}

// settingsSnapshot is the subset of runtime configuration exposed to the
// out-of-core settings collaborator; never includes credential material.
type settingsSnapshot struct {
	BaseURL      string `json:"base_url"`
	FriendlyName string `json:"friendly_name"`
	DeviceID     string `json:"device_id"`
	TunerCount   int    `json:"tuner_count"`
}

func (g *Gateway) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(settingsSnapshot{
		BaseURL:      g.BaseURL,
		FriendlyName: g.FriendlyName,
		DeviceID:     g.DeviceID,
		TunerCount:   g.TunerCount,
	})
}

// handleSettingsPost accepts an updated settings snapshot from the
// out-of-core collaborator; durable persistence is that collaborator's
// job, this endpoint only updates the in-process view other handlers read.
func (g *Gateway) handleSettingsPost(w http.ResponseWriter, r *http.Request) {
	var s settingsSnapshot
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		g.writeError(w, fmt.Errorf("%w: bad settings body", gwerrors.ErrTuneFailed))
		return
	}
	if s.BaseURL != "" {
		g.BaseURL = s.BaseURL
	}
	if s.FriendlyName != "" {
		g.FriendlyName = s.FriendlyName
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleTunesRecent(w http.ResponseWriter, r *http.Request) {
	n := 20
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	recs, err := g.History.Recent(r.Context(), n)
	if err != nil {
		g.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}

// --- HDHomeRun-emulation discovery surface ---

func (g *Gateway) friendlyName() string {
	if g.FriendlyName != "" {
		return g.FriendlyName
	}
	if h, _ := os.Hostname(); h != "" {
		return h
	}
	return "tunergw"
}

func (g *Gateway) deviceID() string {
	if g.DeviceID != "" {
		return g.DeviceID
	}
	return "tunergw01"
}

func (g *Gateway) handleDiscover(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimSuffix(g.BaseURL, "/")
	out := map[string]any{
		"FriendlyName": g.friendlyName(),
		"BaseURL":      base,
		"LineupURL":    base + "/lineup.json",
		"TunerCount":   g.TunerCount,
		"DeviceID":     g.deviceID(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

func (g *Gateway) handleLineup(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimSuffix(g.BaseURL, "/")
	out := make([]lineupEntry, 0)
	for _, ch := range g.Resolver.All() {
		out = append(out, lineupEntry{
			GuideNumber: ch.Number,
			GuideName:   ch.DisplayName,
			URL:         base + "/stream/" + ch.ID,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (g *Gateway) handleLineupStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   0,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	})
}

func (g *Gateway) handleDeviceXML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
    <friendlyName>%s</friendlyName>
    <manufacturer>tunergw</manufacturer>
    <modelName>HDHomeRun</modelName>
    <UDN>uuid:%s</UDN>
  </device>
</root>`, g.friendlyName(), g.deviceID())
}
