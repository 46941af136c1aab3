package merit

// Achievement and window-placement state ride along in the persisted snapshot
// for the UI layer. The counting core stores and returns them unchanged.

// AchievementCadence is the period an achievement is scoped to.
type AchievementCadence string

const (
	CadenceDaily   AchievementCadence = "daily"
	CadenceWeekly  AchievementCadence = "weekly"
	CadenceMonthly AchievementCadence = "monthly"
	CadenceYearly  AchievementCadence = "yearly"
	CadenceTotal   AchievementCadence = "total"
)

// AchievementUnlockRecord is one unlock of one achievement in one period.
type AchievementUnlockRecord struct {
	AchievementID string             `json:"achievement_id"`
	Cadence       AchievementCadence `json:"cadence"`
	PeriodKey     string             `json:"period_key"`
	UnlockedAtMs  uint64             `json:"unlocked_at_ms"`
}

// AchievementState carries both the visible unlock history and a dedupe
// index that survives history clears, so achievements never re-unlock.
type AchievementState struct {
	UnlockIndex   []AchievementUnlockRecord `json:"unlock_index"`
	UnlockHistory []AchievementUnlockRecord `json:"unlock_history"`
}

// Clone copies the state.
func (a AchievementState) Clone() AchievementState {
	out := AchievementState{}
	if a.UnlockIndex != nil {
		out.UnlockIndex = append([]AchievementUnlockRecord(nil), a.UnlockIndex...)
	}
	if a.UnlockHistory != nil {
		out.UnlockHistory = append([]AchievementUnlockRecord(nil), a.UnlockHistory...)
	}
	return out
}

// WindowPlacement remembers where one window sat, both in absolute screen
// coordinates and relative to its display's origin.
type WindowPlacement struct {
	DisplayName *string `json:"display_name"`
	X           int32   `json:"x"`
	Y           int32   `json:"y"`
	Width       uint32  `json:"width"`
	Height      uint32  `json:"height"`
	RelX        int32   `json:"rel_x"`
	RelY        int32   `json:"rel_y"`
}

// Clone copies the placement.
func (w WindowPlacement) Clone() WindowPlacement {
	out := w
	out.DisplayName = cloneStrPtr(w.DisplayName)
	return out
}

func clonePlacements(src map[string]WindowPlacement) map[string]WindowPlacement {
	if src == nil {
		return nil
	}
	out := make(map[string]WindowPlacement, len(src))
	for label, p := range src {
		out[label] = p.Clone()
	}
	return out
}
