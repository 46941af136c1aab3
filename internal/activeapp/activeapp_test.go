package activeapp

import (
	"testing"
	"time"
)

func TestUnknownContext(t *testing.T) {
	u := Unknown()
	if u.ID != UnknownID {
		t.Fatalf("unknown ID = %q, want %q", u.ID, UnknownID)
	}
	if u.Name != nil {
		t.Fatalf("unknown name = %q, want nil", *u.Name)
	}
}

func TestTrackerCachesWithinRefreshInterval(t *testing.T) {
	name := "Editor"
	tr := newStaticTracker(&Context{ID: "com.example.editor", Name: &name})

	first := tr.CurrentOrUnknown()
	if first.ID != "com.example.editor" {
		t.Fatalf("ID = %q, want com.example.editor", first.ID)
	}

	// Swap the querier behind the tracker's back. Within the refresh
	// interval the cached answer must survive.
	tr.querier = staticQuerier{ctx: &Context{ID: "com.example.other"}}
	if got := tr.CurrentOrUnknown(); got.ID != "com.example.editor" {
		t.Fatalf("cached ID = %q, want com.example.editor", got.ID)
	}

	// Expire the cache; the next call re-queries.
	tr.lastRefreshMS.Store(time.Now().Add(-2 * refreshInterval).UnixMilli())
	if got := tr.CurrentOrUnknown(); got.ID != "com.example.other" {
		t.Fatalf("refreshed ID = %q, want com.example.other", got.ID)
	}
}

func TestTrackerUnknownWhenQuerierFails(t *testing.T) {
	tr := newStaticTracker(nil)
	got := tr.CurrentOrUnknown()
	if got.ID != UnknownID {
		t.Fatalf("ID = %q, want %q", got.ID, UnknownID)
	}
}
