// Package channel implements the Channel Resolver (C1): mapping a
// free-form requested identifier to the matching criteria the browser
// control client needs to locate it on the provider's guide page.
package channel

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/snapetech/tunergw/internal/catalog"
	"github.com/snapetech/tunergw/internal/gwerrors"
)

// Channel is the immutable record the rest of the gateway operates on.
type Channel struct {
	ID          string
	Number      string // may be zero-padded, e.g. "05"
	DisplayName string
	MatchTerms  []string // ordered; searched in this priority order
}

// Resolver looks a requested id/number up against the catalog snapshot the
// external guide collaborator last produced. It performs no I/O beyond
// reading its own in-memory caches (callers are responsible for calling
// Reload when the on-disk catalog changes).
type Resolver struct {
	mu       sync.RWMutex
	byID     map[string]Channel
	byNumber map[string]Channel
}

// New builds an empty Resolver. Call Reload to populate it.
func New() *Resolver {
	return &Resolver{
		byID:     make(map[string]Channel),
		byNumber: make(map[string]Channel),
	}
}

// Reload replaces the Resolver's lookup tables from a catalog snapshot.
func (r *Resolver) Reload(live []catalog.LiveChannel) {
	byID := make(map[string]Channel, len(live))
	byNumber := make(map[string]Channel, len(live))
	for _, lc := range live {
		ch := Channel{
			ID:          lc.ChannelID,
			Number:      lc.GuideNumber,
			DisplayName: lc.GuideName,
			MatchTerms:  lc.MatchTerms,
		}
		if ch.ID != "" {
			byID[ch.ID] = ch
		}
		if ch.Number != "" {
			byNumber[ch.Number] = ch
		}
	}
	r.mu.Lock()
	r.byID = byID
	r.byNumber = byNumber
	r.mu.Unlock()
}

// ErrNotFound is returned when neither lookup table has a match.
var ErrNotFound = gwerrors.ErrNotFound

// Resolve maps a requested identifier to a Channel. Lookup order: (1) the
// static catalog by id, (2) the guide-sourced catalog by number.
func (r *Resolver) Resolve(idOrNumber string) (Channel, error) {
	idOrNumber = strings.TrimSpace(idOrNumber)
	if idOrNumber == "" {
		return Channel{}, errors.New("channel: empty identifier")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ch, ok := r.byID[idOrNumber]; ok {
		return ch, nil
	}
	if ch, ok := r.byNumber[idOrNumber]; ok {
		return ch, nil
	}
	return Channel{}, ErrNotFound
}

// Count returns the number of distinct channels currently loaded, keyed by id.
func (r *Resolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot of every loaded channel, ordered by id for
// deterministic playlist generation.
func (r *Resolver) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.byID))
	for _, ch := range r.byID {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
