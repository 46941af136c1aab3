// Package main provides meritctl, the operator CLI for a meritd daemon.
//
// Most commands talk to the daemon over its unix socket. History queries
// (days, aggregates, heatmap) fall back to opening the day archive
// read-only when no daemon is running.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"meritd/internal/config"
	"meritd/internal/heatmap"
	"meritd/internal/history"
	"meritd/internal/ipc"
	"meritd/internal/merit"
)

// version is stamped by the release build.
var version = "1.0.0"

var (
	flagSocket string
	flagConfig string
	flagJSON   bool

	daysCount int
	daysLite  bool

	aggFrom string
	aggTo   string

	heatCols int
	heatRows int
	heatDate string

	clearDisplay string
	clearDate    string
	clearYes     bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "meritctl",
		Short:        "Query and administer a meritd daemon",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagSocket, "socket", "", "daemon socket path (default: from config)")
	root.PersistentFlags().StringVar(&flagConfig, "config", os.Getenv("MERITD_CONFIG"), "daemon config file")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON")

	root.AddCommand(newStatsCmd())
	root.AddCommand(newDaysCmd())
	root.AddCommand(newAggregatesCmd())
	root.AddCommand(newHeatmapCmd())
	root.AddCommand(newSettingsCmd())
	root.AddCommand(newListeningCmd())
	root.AddCommand(newClearCmd())
	root.AddCommand(newPerfCmd())
	root.AddCommand(newVacuumCmd())

	return root
}

// connect dials the daemon socket. The returned error keeps
// ipc.ErrDaemonNotRunning in its chain for callers with a fallback.
func connect() (*ipc.IPCClient, error) {
	cfg := ipc.DefaultClientConfig(resolveSocket())
	cfg.AutoReconnect = false
	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return client, nil
}

// resolveSocket applies the same resolution order as the daemon: the
// --socket flag, then the config file, then the platform default.
func resolveSocket() string {
	if flagSocket != "" {
		return flagSocket
	}
	return loadConfig().IPC.SocketPath
}

func loadConfig() *config.Config {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		cfg = config.DefaultConfig()
		cfg.ApplyEnvOverrides()
		cfg.ExpandPaths()
	}
	return cfg
}

// openArchive opens the day archive read-only for daemon-down queries.
func openArchive() (*history.DB, error) {
	archive, err := history.OpenReadOnly(loadConfig().Data.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("open day archive: %w", err)
	}
	return archive, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the running total and today's counts",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
}

func runStats(_ *cobra.Command, _ []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	stats, err := client.Stats()
	if err != nil {
		return fmt.Errorf("stats request: %w", err)
	}
	if flagJSON {
		return printJSON(stats)
	}
	fmt.Printf("Total merit:  %d\n", stats.TotalMerit)
	fmt.Printf("Today (%s): %d  (keyboard %d, mouse %d)\n",
		stats.Today.Date, stats.Today.Total, stats.Today.Keyboard, stats.Today.MouseSingle)
	return nil
}

func newDaysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "days",
		Short: "List recent days, newest first",
		Args:  cobra.NoArgs,
		RunE:  runDays,
	}
	cmd.Flags().IntVarP(&daysCount, "count", "n", 7, "number of days")
	cmd.Flags().BoolVar(&daysLite, "lite", false, "omit the per-key detail in JSON output")
	return cmd
}

func runDays(_ *cobra.Command, _ []string) error {
	client, err := connect()
	if err == nil {
		defer client.Close()
		if daysLite {
			days, err := client.RecentDaysLite(daysCount)
			if err != nil {
				return fmt.Errorf("recent days: %w", err)
			}
			return printDaysLite(days)
		}
		days, err := client.RecentDays(daysCount)
		if err != nil {
			return fmt.Errorf("recent days: %w", err)
		}
		return printDays(days)
	}
	if !errors.Is(err, ipc.ErrDaemonNotRunning) {
		return err
	}

	fmt.Fprintln(os.Stderr, "meritd is not running; reading the day archive directly")
	archive, err := openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()

	if daysLite {
		days, err := archive.RecentDaysLite(daysCount)
		if err != nil {
			return fmt.Errorf("read day archive: %w", err)
		}
		return printDaysLite(days)
	}
	days, err := archive.RecentDays(daysCount)
	if err != nil {
		return fmt.Errorf("read day archive: %w", err)
	}
	return printDays(days)
}

func printDays(days []merit.DailyStats) error {
	if flagJSON {
		return printJSON(days)
	}
	fmt.Printf("%-12s %10s %10s %10s\n", "DATE", "TOTAL", "KEYBOARD", "MOUSE")
	for _, d := range days {
		fmt.Printf("%-12s %10d %10d %10d\n", d.Date, d.Total, d.Keyboard, d.MouseSingle)
	}
	return nil
}

func printDaysLite(days []merit.DailyStatsLite) error {
	if flagJSON {
		return printJSON(days)
	}
	fmt.Printf("%-12s %10s %10s %10s\n", "DATE", "TOTAL", "KEYBOARD", "MOUSE")
	for _, d := range days {
		fmt.Printf("%-12s %10d %10d %10d\n", d.Date, d.Total, d.Keyboard, d.MouseSingle)
	}
	return nil
}

func newAggregatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregates",
		Short: "Sum the per-key counters over a date range",
		Args:  cobra.NoArgs,
		RunE:  runAggregates,
	}
	cmd.Flags().StringVar(&aggFrom, "from", "", "start date key (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&aggTo, "to", "", "end date key (YYYY-MM-DD, inclusive)")
	return cmd
}

func runAggregates(_ *cobra.Command, _ []string) error {
	from := strings.TrimSpace(aggFrom)
	to := strings.TrimSpace(aggTo)
	if from != "" && to != "" && from > to {
		return fmt.Errorf("invalid date range: %s > %s", from, to)
	}

	var agg *history.Aggregates
	client, err := connect()
	if err == nil {
		defer client.Close()
		agg, err = client.Aggregates(from, to)
		if err != nil {
			return fmt.Errorf("aggregates request: %w", err)
		}
	} else if errors.Is(err, ipc.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "meritd is not running; reading the day archive directly")
		archive, aerr := openArchive()
		if aerr != nil {
			return aerr
		}
		defer archive.Close()
		agg, err = archive.StatsAggregates(from, to)
		if err != nil {
			return fmt.Errorf("read day archive: %w", err)
		}
	} else {
		return err
	}

	if flagJSON {
		return printJSON(agg)
	}
	printCounts("Keys", agg.KeyCountsAll, 10)
	printCounts("Shortcuts", agg.ShortcutCounts, 5)
	printCounts("Mouse buttons", agg.MouseButtonCounts, 5)
	printHourly(agg.Hourly)
	printApps(agg.AppInputCounts, 10)
	return nil
}

func printCounts(title string, counts map[string]uint64, top int) {
	if len(counts) == 0 {
		return
	}
	fmt.Printf("%s (top %d):\n", title, top)
	for _, kv := range sortedCounts(counts, top) {
		fmt.Printf("    %-24s %10d\n", kv.key, kv.count)
	}
}

func printHourly(hourly []merit.HourlyStats) {
	any := false
	for _, h := range hourly {
		if h.Total > 0 {
			any = true
			break
		}
	}
	if !any {
		return
	}
	fmt.Println("By hour:")
	for hour, h := range hourly {
		if h.Total == 0 {
			continue
		}
		fmt.Printf("    %02d:00 %10d  (keyboard %d, mouse %d)\n", hour, h.Total, h.Keyboard, h.MouseSingle)
	}
}

func printApps(apps map[string]merit.AppInputStats, top int) {
	if len(apps) == 0 {
		return
	}
	totals := make(map[string]uint64, len(apps))
	for id, a := range apps {
		totals[id] = a.Total
	}
	fmt.Printf("Applications (top %d):\n", top)
	for _, kv := range sortedCounts(totals, top) {
		a := apps[kv.key]
		name := kv.key
		if a.Name != nil && *a.Name != "" {
			name = *a.Name
		}
		fmt.Printf("    %-24s %10d  (keyboard %d, mouse %d)\n", name, a.Total, a.Keyboard, a.MouseSingle)
	}
}

type countEntry struct {
	key   string
	count uint64
}

// sortedCounts returns the top entries by count, ties broken by key so
// the output is stable run to run.
func sortedCounts(counts map[string]uint64, top int) []countEntry {
	entries := make([]countEntry, 0, len(counts))
	for k, v := range counts {
		entries = append(entries, countEntry{key: k, count: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].key < entries[j].key
	})
	if top > 0 && len(entries) > top {
		entries = entries[:top]
	}
	return entries
}

func newHeatmapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heatmap [display-id]",
		Short: "Render a click heatmap; without arguments, list displays",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHeatmap,
	}
	cmd.Flags().IntVar(&heatCols, "cols", heatmap.FallbackCols, "output grid columns")
	cmd.Flags().IntVar(&heatRows, "rows", heatmap.FallbackRows, "output grid rows")
	cmd.Flags().StringVar(&heatDate, "date", "", "date key (YYYY-MM-DD); empty for all time")
	return cmd
}

func runHeatmap(_ *cobra.Command, args []string) error {
	client, err := connect()
	if err == nil {
		defer client.Close()
		if len(args) == 0 {
			monitors, err := client.Monitors()
			if err != nil {
				return fmt.Errorf("monitors request: %w", err)
			}
			return printMonitors(monitors)
		}
		grid, err := client.HeatmapGrid(args[0], heatCols, heatRows, heatDate)
		if err != nil {
			return fmt.Errorf("heatmap request: %w", err)
		}
		return renderHeatmap(grid)
	}
	if !errors.Is(err, ipc.ErrDaemonNotRunning) {
		return err
	}

	if len(args) == 0 {
		return errors.New("a display id is required when meritd is not running")
	}
	fmt.Fprintln(os.Stderr, "meritd is not running; reading the day archive directly")
	archive, err := openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()

	cells, total, err := archive.HeatmapBase(args[0], strings.TrimSpace(heatDate))
	if err != nil {
		return fmt.Errorf("read day archive: %w", err)
	}
	base := make([]uint32, heatmap.BaseLen)
	for _, c := range cells {
		base[c.Idx] = c.Count
	}
	cols := heatmap.ClampDim(heatCols, heatmap.MinCols, heatmap.MaxCols, heatmap.FallbackCols)
	rows := heatmap.ClampDim(heatRows, heatmap.MinRows, heatmap.MaxRows, heatmap.FallbackRows)
	counts, max := heatmap.Resample(base, cols, rows)
	return renderHeatmap(&ipc.HeatmapGridResponse{
		DisplayID:   args[0],
		Cols:        cols,
		Rows:        rows,
		Counts:      counts,
		Max:         max,
		TotalClicks: total,
	})
}

func printMonitors(resp *ipc.MonitorsResponse) error {
	if flagJSON {
		return printJSON(resp)
	}
	if len(resp.Monitors) == 0 {
		fmt.Println("no displays known to the daemon")
		return nil
	}
	fmt.Printf("%-16s %8s %8s %8s %8s %6s\n", "ID", "X", "Y", "WIDTH", "HEIGHT", "SCALE")
	for _, m := range resp.Monitors {
		fmt.Printf("%-16s %8d %8d %8d %8d %6.2f\n", m.ID, m.X, m.Y, m.Width, m.Height, m.ScaleFactor)
	}
	return nil
}

// heatRamp maps relative cell density onto characters, lightest first.
const heatRamp = " .:-=+*#%@"

func renderHeatmap(grid *ipc.HeatmapGridResponse) error {
	if flagJSON {
		return printJSON(grid)
	}
	scope := "all time"
	if heatDate != "" {
		scope = heatDate
	}
	fmt.Printf("Display %s (%s): %d clicks\n", grid.DisplayID, scope, grid.TotalClicks)
	if grid.Max == 0 {
		fmt.Println("no clicks recorded")
		return nil
	}
	var b strings.Builder
	for r := 0; r < grid.Rows; r++ {
		b.Reset()
		for c := 0; c < grid.Cols; c++ {
			v := grid.Counts[r*grid.Cols+c]
			b.WriteByte(heatRamp[int(v*uint64(len(heatRamp)-1)/grid.Max)])
		}
		fmt.Println(b.String())
	}
	return nil
}

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show the daemon's runtime settings",
		Args:  cobra.NoArgs,
		RunE:  runSettingsGet,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one runtime setting",
		Long: "Change one runtime setting. Keys: enable_keyboard, enable_mouse_single,\n" +
			"always_on_top, window_pass_through, show_taskbar_icon, launch_on_startup,\n" +
			"wooden_fish_skin, keyboard_layout, opacity, animation_speed, window_scale,\n" +
			"heatmap_levels.",
		Args: cobra.ExactArgs(2),
		RunE: runSettingsSet,
	})
	return cmd
}

func runSettingsGet(_ *cobra.Command, _ []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	settings, err := client.Settings()
	if err != nil {
		return fmt.Errorf("settings request: %w", err)
	}
	return printSettings(settings)
}

func runSettingsSet(_ *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	settings, err := client.Settings()
	if err != nil {
		return fmt.Errorf("settings request: %w", err)
	}
	if err := applySetting(settings, args[0], args[1]); err != nil {
		return err
	}
	// The daemon normalizes out-of-range values; print what it kept.
	applied, err := client.UpdateSettings(*settings)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return printSettings(applied)
}

func applySetting(s *merit.Settings, key, value string) error {
	switch key {
	case "enable_keyboard":
		return parseBoolInto(&s.EnableKeyboard, key, value)
	case "enable_mouse_single":
		return parseBoolInto(&s.EnableMouseSingle, key, value)
	case "always_on_top":
		return parseBoolInto(&s.AlwaysOnTop, key, value)
	case "window_pass_through":
		return parseBoolInto(&s.WindowPassThrough, key, value)
	case "show_taskbar_icon":
		return parseBoolInto(&s.ShowTaskbarIcon, key, value)
	case "launch_on_startup":
		return parseBoolInto(&s.LaunchOnStartup, key, value)
	case "wooden_fish_skin":
		s.WoodenFishSkin = value
	case "keyboard_layout":
		s.KeyboardLayout = value
	case "opacity":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: %v", key, err)
		}
		s.Opacity = f
	case "animation_speed":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: %v", key, err)
		}
		s.AnimationSpeed = f
	case "window_scale":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: %v", key, err)
		}
		s.WindowScale = uint32(v)
	case "heatmap_levels":
		v, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return fmt.Errorf("%s: %v", key, err)
		}
		s.HeatmapLevels = uint8(v)
	default:
		return fmt.Errorf("unknown setting %q; see meritctl settings set --help", key)
	}
	return nil
}

func parseBoolInto(dst *bool, key, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %v", key, err)
	}
	*dst = b
	return nil
}

func printSettings(s *merit.Settings) error {
	if flagJSON {
		return printJSON(s)
	}
	fmt.Printf("enable_keyboard:      %v\n", s.EnableKeyboard)
	fmt.Printf("enable_mouse_single:  %v\n", s.EnableMouseSingle)
	fmt.Printf("always_on_top:        %v\n", s.AlwaysOnTop)
	fmt.Printf("window_pass_through:  %v\n", s.WindowPassThrough)
	fmt.Printf("show_taskbar_icon:    %v\n", s.ShowTaskbarIcon)
	fmt.Printf("launch_on_startup:    %v\n", s.LaunchOnStartup)
	fmt.Printf("wooden_fish_skin:     %s\n", s.WoodenFishSkin)
	fmt.Printf("keyboard_layout:      %s\n", s.KeyboardLayout)
	fmt.Printf("opacity:              %.2f\n", s.Opacity)
	fmt.Printf("animation_speed:      %.2f\n", s.AnimationSpeed)
	fmt.Printf("window_scale:         %d\n", s.WindowScale)
	fmt.Printf("heatmap_levels:       %d\n", s.HeatmapLevels)
	for _, sc := range []struct {
		name    string
		binding *string
	}{
		{"shortcut_toggle_main", s.ShortcutToggleMain},
		{"shortcut_toggle_settings", s.ShortcutToggleSettings},
		{"shortcut_toggle_listening", s.ShortcutToggleListening},
		{"shortcut_toggle_window_pass_through", s.ShortcutToggleWindowPassThrough},
		{"shortcut_toggle_always_on_top", s.ShortcutToggleAlwaysOnTop},
	} {
		if sc.binding != nil && *sc.binding != "" {
			fmt.Printf("%s: %s\n", sc.name, *sc.binding)
		}
	}
	return nil
}

func newListeningCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listening [start|stop|toggle|status]",
		Short: "Control whether input events are counted",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runListening,
	}
}

func runListening(_ *cobra.Command, args []string) error {
	action := "status"
	if len(args) > 0 {
		action = args[0]
	}

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	var listening bool
	switch action {
	case "start":
		listening, err = client.ListeningStart()
	case "stop":
		listening, err = client.ListeningStop()
	case "toggle":
		listening, err = client.ListeningToggle()
	case "status":
		listening, err = client.ListeningStatus()
	default:
		return fmt.Errorf("unknown action %q; want start, stop, toggle, or status", action)
	}
	if err != nil {
		return fmt.Errorf("listening %s: %w", action, err)
	}

	if flagJSON {
		return printJSON(map[string]bool{"listening": listening})
	}
	fmt.Printf("listening: %v\n", listening)
	return nil
}

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete counted data from a running daemon",
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Delete all archived days; today's counts survive",
		Args:  cobra.NoArgs,
		RunE:  runClearHistory,
	}
	historyCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm the deletion")

	heatmapCmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Delete click heatmaps, optionally scoped to a display or day",
		Args:  cobra.NoArgs,
		RunE:  runClearHeatmap,
	}
	heatmapCmd.Flags().StringVar(&clearDisplay, "display", "", "only this display")
	heatmapCmd.Flags().StringVar(&clearDate, "date", "", "only this date key (YYYY-MM-DD)")
	heatmapCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm the deletion")

	allCmd := &cobra.Command{
		Use:   "all",
		Short: "Reset every counter, the history, and the heatmaps",
		Args:  cobra.NoArgs,
		RunE:  runClearAll,
	}
	allCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm the deletion")

	cmd.AddCommand(historyCmd, heatmapCmd, allCmd)
	return cmd
}

func confirmClear(what string) error {
	if clearYes {
		return nil
	}
	return fmt.Errorf("refusing to delete %s without --yes", what)
}

func runClearHistory(_ *cobra.Command, _ []string) error {
	if err := confirmClear("the day archive"); err != nil {
		return err
	}
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.ClearHistory(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	fmt.Println("day archive cleared")
	return nil
}

func runClearHeatmap(_ *cobra.Command, _ []string) error {
	scope := "all click heatmaps"
	if clearDisplay != "" && clearDate != "" {
		scope = fmt.Sprintf("the %s heatmap for %s", clearDisplay, clearDate)
	} else if clearDisplay != "" {
		scope = fmt.Sprintf("the %s heatmap", clearDisplay)
	} else if clearDate != "" {
		scope = fmt.Sprintf("the heatmaps for %s", clearDate)
	}
	if err := confirmClear(scope); err != nil {
		return err
	}

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.ClearHeatmap(clearDisplay, clearDate); err != nil {
		return fmt.Errorf("clear heatmap: %w", err)
	}
	fmt.Println("heatmap cleared:", scope)
	return nil
}

func runClearAll(_ *cobra.Command, _ []string) error {
	if err := confirmClear("all counted data"); err != nil {
		return err
	}
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.ResetAll(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	fmt.Println("all counters reset")
	return nil
}

func newPerfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "perf [on|off]",
		Short: "Show the daemon's pipeline counters",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPerf,
	}
}

func runPerf(_ *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	// With an action, switch recording instead of printing. Disabled
	// counters freeze in place rather than resetting.
	if len(args) > 0 {
		var enable bool
		switch args[0] {
		case "on":
			enable = true
		case "off":
		default:
			return fmt.Errorf("unknown action %q; want on or off", args[0])
		}
		if err := client.SetPerfEnabled(enable); err != nil {
			return fmt.Errorf("perf %s: %w", args[0], err)
		}
		fmt.Printf("perf recording %s\n", args[0])
		return nil
	}

	snapshot, err := client.Perf()
	if err != nil {
		return fmt.Errorf("perf request: %w", err)
	}
	if flagJSON {
		return printJSON(snapshot)
	}
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-28s %v\n", k, snapshot[k])
	}
	return nil
}

func newVacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Schedule a day-archive VACUUM",
		Args:  cobra.NoArgs,
		RunE:  runVacuum,
	}
}

func runVacuum(_ *cobra.Command, _ []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Vacuum(); err != nil {
		return fmt.Errorf("vacuum request: %w", err)
	}
	fmt.Println("vacuum scheduled")
	return nil
}
