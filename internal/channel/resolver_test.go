package channel

import (
	"errors"
	"testing"

	"github.com/snapetech/tunergw/internal/catalog"
)

func testResolver() *Resolver {
	r := New()
	r.Reload([]catalog.LiveChannel{
		{ChannelID: "nbc-e", GuideNumber: "05", GuideName: "NBC East", MatchTerms: []string{"NBC", "NBC East HD"}},
		{ChannelID: "espn-1", GuideNumber: "140", GuideName: "ESPN", MatchTerms: []string{"ESPN"}},
	})
	return r
}

func TestResolveByID(t *testing.T) {
	r := testResolver()
	ch, err := r.Resolve("nbc-e")
	if err != nil {
		t.Fatal(err)
	}
	if ch.DisplayName != "NBC East" {
		t.Errorf("DisplayName = %q, want NBC East", ch.DisplayName)
	}
}

func TestResolveByNumber(t *testing.T) {
	r := testResolver()
	ch, err := r.Resolve("05")
	if err != nil {
		t.Fatal(err)
	}
	if ch.ID != "nbc-e" {
		t.Errorf("ID = %q, want nbc-e", ch.ID)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := testResolver()
	_, err := r.Resolve("does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveEmptyString(t *testing.T) {
	r := testResolver()
	if _, err := r.Resolve("   "); err == nil {
		t.Error("Resolve(empty) = nil error, want error")
	}
}

func TestReloadReplacesTables(t *testing.T) {
	r := testResolver()
	r.Reload([]catalog.LiveChannel{
		{ChannelID: "cnn-e", GuideNumber: "20", GuideName: "CNN East"},
	})
	if _, err := r.Resolve("nbc-e"); err == nil {
		t.Error("old channel still resolvable after Reload")
	}
	ch, err := r.Resolve("cnn-e")
	if err != nil {
		t.Fatal(err)
	}
	if ch.DisplayName != "CNN East" {
		t.Errorf("DisplayName = %q, want CNN East", ch.DisplayName)
	}
}
