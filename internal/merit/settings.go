package merit

// Settings is the user policy read on every counted event. Field names match
// the persisted snapshot; unknown fields in old snapshots are ignored and
// missing fields fall back to defaults via DefaultSettings before decoding.
type Settings struct {
	EnableKeyboard    bool `json:"enable_keyboard"`
	EnableMouseSingle bool `json:"enable_mouse_single"`

	AlwaysOnTop       bool `json:"always_on_top"`
	WindowPassThrough bool `json:"window_pass_through"`
	ShowTaskbarIcon   bool `json:"show_taskbar_icon"`
	LaunchOnStartup   bool `json:"launch_on_startup"`

	WoodenFishSkin string  `json:"wooden_fish_skin"`
	KeyboardLayout string  `json:"keyboard_layout"`
	Opacity        float64 `json:"opacity"`
	AnimationSpeed float64 `json:"animation_speed"`
	WindowScale    uint32  `json:"window_scale"`
	HeatmapLevels  uint8   `json:"heatmap_levels"`

	ShortcutToggleMain              *string `json:"shortcut_toggle_main"`
	ShortcutToggleSettings          *string `json:"shortcut_toggle_settings"`
	ShortcutToggleListening         *string `json:"shortcut_toggle_listening"`
	ShortcutToggleWindowPassThrough *string `json:"shortcut_toggle_window_pass_through"`
	ShortcutToggleAlwaysOnTop       *string `json:"shortcut_toggle_always_on_top"`
}

// DefaultSettings returns the out-of-box policy: both input sources counted.
func DefaultSettings() Settings {
	return Settings{
		EnableKeyboard:    true,
		EnableMouseSingle: true,
		AlwaysOnTop:       true,
		WoodenFishSkin:    "rosewood",
		KeyboardLayout:    "tkl_80",
		Opacity:           0.95,
		AnimationSpeed:    1.0,
		WindowScale:       100,
		HeatmapLevels:     10,
	}
}

// Clone copies the settings, including the optional shortcut bindings.
func (s Settings) Clone() Settings {
	out := s
	out.ShortcutToggleMain = cloneStrPtr(s.ShortcutToggleMain)
	out.ShortcutToggleSettings = cloneStrPtr(s.ShortcutToggleSettings)
	out.ShortcutToggleListening = cloneStrPtr(s.ShortcutToggleListening)
	out.ShortcutToggleWindowPassThrough = cloneStrPtr(s.ShortcutToggleWindowPassThrough)
	out.ShortcutToggleAlwaysOnTop = cloneStrPtr(s.ShortcutToggleAlwaysOnTop)
	return out
}

func cloneStrPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ShouldCount is the counting policy: explicit in-app actions always count,
// global listener events only while the matching source toggle is enabled.
func (s Settings) ShouldCount(origin InputOrigin, source InputSource) bool {
	if origin == OriginApp {
		return true
	}
	switch source {
	case SourceKeyboard:
		return s.EnableKeyboard
	case SourceMouseSingle:
		return s.EnableMouseSingle
	default:
		return false
	}
}
