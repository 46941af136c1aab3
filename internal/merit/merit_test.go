package merit

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestDateKeyFormat(t *testing.T) {
	ts := time.Date(2026, time.March, 7, 23, 59, 0, 0, time.Local)
	if got := DateKey(ts); got != "2026-03-07" {
		t.Errorf("DateKey = %q, want 2026-03-07", got)
	}
}

func TestSatAdd(t *testing.T) {
	if got := satAdd(1, 2); got != 3 {
		t.Errorf("satAdd(1,2) = %d", got)
	}
	max := ^uint64(0)
	if got := satAdd(max, 1); got != max {
		t.Errorf("satAdd(max,1) = %d, want saturation", got)
	}
	if got := satAdd(max-1, 5); got != max {
		t.Errorf("satAdd(max-1,5) = %d, want saturation", got)
	}
}

func TestInputSourceDecode(t *testing.T) {
	cases := []struct {
		raw     string
		want    InputSource
		wantErr bool
	}{
		{`"keyboard"`, SourceKeyboard, false},
		{`"mouse_single"`, SourceMouseSingle, false},
		{`"mouse_double"`, SourceMouseSingle, false}, // legacy alias
		{`"trackpad"`, "", true},
	}
	for _, tc := range cases {
		var s InputSource
		err := json.Unmarshal([]byte(tc.raw), &s)
		if tc.wantErr {
			if err == nil {
				t.Errorf("decode %s: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("decode %s: %v", tc.raw, err)
			continue
		}
		if s != tc.want {
			t.Errorf("decode %s = %q, want %q", tc.raw, s, tc.want)
		}
	}
}

func TestInputOriginDecodeRejectsUnknown(t *testing.T) {
	var o InputOrigin
	if err := json.Unmarshal([]byte(`"network"`), &o); err == nil {
		t.Error("expected error for unknown origin")
	}
	if err := json.Unmarshal([]byte(`"app"`), &o); err != nil || o != OriginApp {
		t.Errorf("decode app: %v / %q", err, o)
	}
}

func TestNormalizeHourly(t *testing.T) {
	d := NewDailyStats("2026-01-01")
	if len(d.Hourly) != 24 {
		t.Fatalf("new day has %d hourly buckets", len(d.Hourly))
	}

	d.Hourly = d.Hourly[:3]
	d.Hourly[2].Total = 7
	d.NormalizeHourly()
	if len(d.Hourly) != 24 {
		t.Fatalf("padded to %d buckets", len(d.Hourly))
	}
	if d.Hourly[2].Total != 7 {
		t.Error("padding lost existing bucket data")
	}

	d.Hourly = make([]HourlyStats, 30)
	d.NormalizeHourly()
	if len(d.Hourly) != 24 {
		t.Fatalf("truncated to %d buckets", len(d.Hourly))
	}

	d.Hourly = nil
	d.NormalizeHourly()
	if len(d.Hourly) != 24 {
		t.Fatalf("rebuilt to %d buckets", len(d.Hourly))
	}
}

func TestAddMeritUpdatesHourAndTimestamps(t *testing.T) {
	now := time.Date(2026, time.May, 2, 14, 30, 0, 0, time.Local)
	m := NewMeritStats(now)

	m.AddMerit(SourceKeyboard, 3, now)
	m.AddMerit(SourceMouseSingle, 2, now.Add(time.Minute))

	if m.TotalMerit != 5 {
		t.Errorf("TotalMerit = %d, want 5", m.TotalMerit)
	}
	if m.Today.Keyboard != 3 || m.Today.MouseSingle != 2 || m.Today.Total != 5 {
		t.Errorf("today = %d/%d/%d", m.Today.Keyboard, m.Today.MouseSingle, m.Today.Total)
	}
	if m.Today.Hourly[14].Total != 5 || m.Today.Hourly[14].Keyboard != 3 {
		t.Errorf("hour bucket = %+v", m.Today.Hourly[14])
	}
	if m.Today.FirstEventAtMs == nil || m.Today.LastEventAtMs == nil {
		t.Fatal("event timestamps not recorded")
	}
	if *m.Today.FirstEventAtMs >= *m.Today.LastEventAtMs {
		t.Errorf("first %d not before last %d", *m.Today.FirstEventAtMs, *m.Today.LastEventAtMs)
	}
}

func TestDayRolloverArchivesPreviousDay(t *testing.T) {
	day1 := time.Date(2026, time.May, 2, 23, 0, 0, 0, time.Local)
	day2 := day1.Add(2 * time.Hour)

	m := NewMeritStats(day1)
	m.AddMerit(SourceKeyboard, 10, day1)

	m.AddMerit(SourceKeyboard, 1, day2)

	if m.Today.Date != "2026-05-03" {
		t.Fatalf("today = %s", m.Today.Date)
	}
	if m.Today.Total != 1 {
		t.Errorf("new day total = %d, want 1", m.Today.Total)
	}
	if len(m.History) != 1 {
		t.Fatalf("history len = %d", len(m.History))
	}
	if m.History[0].Date != "2026-05-02" || m.History[0].Total != 10 {
		t.Errorf("archived day = %s/%d", m.History[0].Date, m.History[0].Total)
	}
	if m.TotalMerit != 11 {
		t.Errorf("TotalMerit = %d, want 11", m.TotalMerit)
	}
}

func TestRolloverSkipsEmptyDay(t *testing.T) {
	day1 := time.Date(2026, time.May, 2, 12, 0, 0, 0, time.Local)
	m := NewMeritStats(day1)

	m.AddMerit(SourceKeyboard, 1, day1.Add(48*time.Hour))
	if len(m.History) != 0 {
		t.Errorf("empty day archived: history len = %d", len(m.History))
	}
}

func TestHistorySortedDescAndBounded(t *testing.T) {
	base := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.Local)
	m := NewMeritStats(base)
	for i := 0; i < maxHistoryDays+20; i++ {
		m.AddMerit(SourceKeyboard, 1, base.AddDate(0, 0, i))
	}

	if len(m.History) != maxHistoryDays {
		t.Fatalf("history len = %d, want %d", len(m.History), maxHistoryDays)
	}
	for i := 1; i < len(m.History); i++ {
		if m.History[i-1].Date <= m.History[i].Date {
			t.Fatalf("history not descending at %d: %s then %s", i, m.History[i-1].Date, m.History[i].Date)
		}
	}
	// Newest archived day survives; the oldest were truncated.
	newest := m.History[0].Date
	want := DateKey(base.AddDate(0, 0, maxHistoryDays+18))
	if newest != want {
		t.Errorf("newest archived = %s, want %s", newest, want)
	}
}

func TestAppInputCountsPruned(t *testing.T) {
	d := NewDailyStats("2026-01-01")
	for i := 0; i < maxAppEntriesPerDay; i++ {
		d.AddAppMerit(fmt.Sprintf("app%03d", i), "", SourceKeyboard, 10)
	}
	d.AddAppMerit("latecomer", "Late", SourceKeyboard, 1)
	if len(d.AppInputCounts) != maxAppEntriesPerDay+1 {
		t.Fatalf("len = %d after first overflow", len(d.AppInputCounts))
	}

	d.AddAppMerit("latecomer2", "", SourceKeyboard, 1)
	if len(d.AppInputCounts) != maxAppEntriesPerDay+1 {
		t.Fatalf("len = %d after prune", len(d.AppInputCounts))
	}
	if _, ok := d.AppInputCounts["latecomer2"]; !ok {
		t.Error("currently-updated app was pruned")
	}
	if _, ok := d.AppInputCounts["latecomer"]; ok {
		t.Error("lowest-total stale app survived prune")
	}
}

func TestAppInputStatsKeepsFirstName(t *testing.T) {
	d := NewDailyStats("2026-01-01")
	d.AddAppMerit("com.example", "Example", SourceKeyboard, 1)
	d.AddAppMerit("com.example", "Renamed", SourceMouseSingle, 2)

	app := d.AppInputCounts["com.example"]
	if app.Name == nil || *app.Name != "Example" {
		t.Errorf("name = %v", app.Name)
	}
	if app.Total != 3 || app.Keyboard != 1 || app.MouseSingle != 2 {
		t.Errorf("app counts = %d/%d/%d", app.Total, app.Keyboard, app.MouseSingle)
	}
}

func TestRecomputeCounters(t *testing.T) {
	m := NewMeritStats(time.Now())
	m.Today.Keyboard = 7
	m.Today.MouseSingle = 3
	m.Today.Total = 999 // stale

	h := NewDailyStats("2020-01-01")
	h.Keyboard = 5
	h.AppInputCounts["x"] = AppInputStats{Keyboard: 4, MouseSingle: 1, Total: 0}
	m.History = append(m.History, h)

	m.RecomputeCounters()

	if m.Today.Total != 10 {
		t.Errorf("today total = %d, want 10", m.Today.Total)
	}
	if m.History[0].Total != 5 {
		t.Errorf("history total = %d, want 5", m.History[0].Total)
	}
	if m.History[0].AppInputCounts["x"].Total != 5 {
		t.Errorf("app total = %d, want 5", m.History[0].AppInputCounts["x"].Total)
	}
	if m.TotalMerit != 15 {
		t.Errorf("TotalMerit = %d, want 15", m.TotalMerit)
	}
}

func TestMouseDistancePerDisplay(t *testing.T) {
	now := time.Now()
	m := NewMeritStats(now)
	m.AddMouseMoveDistancePx("main", 100, now)
	m.AddMouseMoveDistancePx("  ", 50, now)
	m.AddMouseMoveDistancePx("", 25, now)

	if m.Today.MouseMoveDistancePx != 175 {
		t.Errorf("global distance = %d, want 175", m.Today.MouseMoveDistancePx)
	}
	if m.Today.MouseMoveDistancePxByDisplay["main"] != 100 {
		t.Errorf("main distance = %d", m.Today.MouseMoveDistancePxByDisplay["main"])
	}
	if len(m.Today.MouseMoveDistancePxByDisplay) != 1 {
		t.Errorf("blank display ids must not create entries: %v", m.Today.MouseMoveDistancePxByDisplay)
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	m := NewMeritStats(now)
	m.AddMerit(SourceKeyboard, 1, now)
	m.Today.MergeKeyCounts(map[string]uint64{"KeyA": 1})

	c := m.Clone()
	c.Today.KeyCounts["KeyA"] = 99
	c.Today.Hourly[now.Hour()].Total = 99

	if m.Today.KeyCounts["KeyA"] != 1 {
		t.Error("clone shares key counts map")
	}
	if m.Today.Hourly[now.Hour()].Total == 99 {
		t.Error("clone shares hourly slice")
	}
}

func TestLiteDropsHeavyMaps(t *testing.T) {
	now := time.Now()
	m := NewMeritStats(now)
	m.AddMerit(SourceKeyboard, 2, now)
	m.Today.MergeKeyCounts(map[string]uint64{"KeyA": 2})

	lite := m.Lite()
	if lite.TotalMerit != 2 || lite.Today.Total != 2 {
		t.Errorf("lite totals = %d/%d", lite.TotalMerit, lite.Today.Total)
	}

	data, err := json.Marshal(lite)
	if err != nil {
		t.Fatalf("marshal lite: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal lite: %v", err)
	}
	today := decoded["today"].(map[string]any)
	if _, ok := today["key_counts"]; ok {
		t.Error("lite payload carries key_counts")
	}
}

func TestDailyStatsJSONRoundTrip(t *testing.T) {
	now := time.Date(2026, time.June, 1, 9, 0, 0, 0, time.Local)
	m := NewMeritStats(now)
	m.AddMerit(SourceKeyboard, 4, now)
	m.Today.MergeKeyCounts(map[string]uint64{"KeyA": 3, "Space": 1})
	m.Today.MergeShortcutCounts(map[string]uint64{"Meta+KeyC": 1})
	m.AddAppMerit("com.example", "Example", SourceKeyboard, 4, now)

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back MeritStats
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.TotalMerit != 4 || back.Today.Date != "2026-06-01" {
		t.Errorf("round trip: total=%d date=%s", back.TotalMerit, back.Today.Date)
	}
	if back.Today.KeyCounts["KeyA"] != 3 {
		t.Errorf("key counts lost: %v", back.Today.KeyCounts)
	}
	if back.Today.AppInputCounts["com.example"].Name == nil {
		t.Error("app name lost")
	}
}
