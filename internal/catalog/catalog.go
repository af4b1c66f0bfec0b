// Package catalog holds the live-channel lineup handed to the tuner pool by
// an external guide/catalog collaborator (VOD indexing, EPG linking, and
// provider fetch are out of scope here; see §1).
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LiveChannel is a live TV channel as handed to the tuner pool by the
// external guide/catalog collaborator. ChannelID is a stable identifier used
// in /stream/{ChannelID}; MatchTerms are alternate on-screen guide labels the
// browser control client's tuning algorithm searches for, in priority order.
type LiveChannel struct {
	ChannelID   string   `json:"channel_id"` // stable ID for /stream/{ChannelID}
	GuideNumber string   `json:"guide_number"`
	GuideName   string   `json:"guide_name"`
	MatchTerms  []string `json:"match_terms,omitempty"` // ordered on-screen label candidates
}

// Catalog is the current live-channel lineup.
type Catalog struct {
	mu           sync.RWMutex
	LiveChannels []LiveChannel `json:"live_channels,omitempty"`
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{}
}

// ReplaceLive replaces the live-channel lineup.
func (c *Catalog) ReplaceLive(live []LiveChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LiveChannels = live
}

// SnapshotLive returns a copy of the live-channel lineup.
func (c *Catalog) SnapshotLive() []LiveChannel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LiveChannel, len(c.LiveChannels))
	copy(out, c.LiveChannels)
	return out
}

// Save writes the catalog to path as JSON using a temp-file-then-rename strategy
// so readers never see a partially-written file (atomic on most Unix filesystems).
func (c *Catalog) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".catalog-*.json.tmp")
	if err != nil {
		return fmt.Errorf("catalog save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("catalog save: write: %w", writeErr)
		}
		return fmt.Errorf("catalog save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: rename: %w", err)
	}
	return nil
}

// Load replaces the catalog with the contents of path (JSON).
func (c *Catalog) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var out struct {
		LiveChannels []LiveChannel `json:"live_channels"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	c.ReplaceLive(out.LiveChannels)
	return nil
}
