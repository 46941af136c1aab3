package merit

// AppContext names the foreground application a trigger is attributed to.
// Name is optional display metadata; ID is the stable identity.
type AppContext struct {
	ID   string
	Name *string
}

// Trigger is one countable input action on its way through the batcher.
// KeyCode carries the canonical key name for keyboard triggers and the
// button name for mouse triggers; empty means no per-code detail.
type Trigger struct {
	Origin     InputOrigin
	Source     InputSource
	Count      uint64
	KeyCode    string
	IsShifted  bool
	ShortcutID string
	App        *AppContext
}
