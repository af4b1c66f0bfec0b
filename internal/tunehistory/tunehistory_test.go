package tunehistory

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tunehistory.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecentOrdersNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, outcome := range []string{"live", "placeholder", "error"} {
		if err := s.Append(ctx, Record{
			TunerID:   0,
			ChannelID: "c1",
			Outcome:   outcome,
			Duration:  time.Duration(i+1) * time.Second,
			At:        base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("Recent() len = %d, want 3", len(recs))
	}
	if recs[0].Outcome != "error" {
		t.Errorf("Recent()[0].Outcome = %q, want error (newest first)", recs[0].Outcome)
	}
	if recs[2].Outcome != "live" {
		t.Errorf("Recent()[2].Outcome = %q, want live (oldest last)", recs[2].Outcome)
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = s.Append(ctx, Record{TunerID: 0, ChannelID: "c1", Outcome: "live", At: time.Now()})
	}
	recs, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("Recent(2) len = %d, want 2", len(recs))
	}
}

func TestRecentEmptyStore(t *testing.T) {
	s := testStore(t)
	recs, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("Recent() on empty store len = %d, want 0", len(recs))
	}
}
