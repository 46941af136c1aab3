// Package snapshot persists the live counting state as one JSON file and
// restores it at startup. Writes are atomic (temp file, fsync, rename);
// reads are validated against an embedded schema before decoding, so a
// corrupt file is rejected wholesale instead of half-applied.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"meritd/internal/heatmap"
	"meritd/internal/logging"
	"meritd/internal/merit"
)

// CurrentVersion is the state format this build writes. Loading an older
// file triggers a one-time rewrite in the current format.
const CurrentVersion = 3

// legacyVersion is assumed for files that predate the version field.
const legacyVersion = 1

// ErrInvalidState marks a state file that failed schema validation or
// decoding. Callers treat the whole file as lost and start from defaults.
var ErrInvalidState = errors.New("invalid state file")

// State is the persisted snapshot: everything the daemon needs to come
// back up where it left off. Field names are the wire format.
type State struct {
	Version          uint32                           `json:"version"`
	Stats            merit.MeritStats                 `json:"stats"`
	Settings         merit.Settings                   `json:"settings"`
	Achievements     merit.AchievementState           `json:"achievements"`
	WindowPlacements map[string]merit.WindowPlacement `json:"window_placements"`
	ClickHeatmap     *heatmap.State                   `json:"click_heatmap"`
}

// Load reads and validates the state file. A missing file returns
// (nil, nil). An unreadable or invalid file returns an error; nothing is
// applied from it. Old-version files are rewritten once in the current
// format, best effort.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	if err := validate(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	// Pre-seeding supplies the defaults for fields the file omits:
	// settings decode on top of DefaultSettings, the version falls back
	// to the pre-versioning format.
	state := &State{
		Version:  legacyVersion,
		Settings: merit.DefaultSettings(),
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if state.WindowPlacements == nil {
		state.WindowPlacements = make(map[string]merit.WindowPlacement)
	}
	if state.ClickHeatmap == nil {
		state.ClickHeatmap = heatmap.NewState()
	}

	state.Stats.NormalizeToday(time.Now())
	state.Stats.RecomputeCounters()

	// One-time migration to the current format; re-serializing sheds the
	// fields old formats carried. Best effort, a failed rewrite must not
	// stop startup.
	if state.Version < CurrentVersion {
		state.Version = CurrentVersion
		if err := Write(path, state); err != nil {
			logging.Warn("state file rewrite failed", "path", path, "error", err)
		}
	}
	return state, nil
}

// Write serializes the state to path atomically: temp file in the same
// directory, fsync, then rename over the target.
func Write(path string, state *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

const schemaName = "meritd-state-v3.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaName, strings.NewReader(stateSchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile(schemaName)
	})
	return schema, schemaErr
}

// validate checks the raw bytes against the embedded schema before the
// typed decode sees them.
func validate(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile state schema: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return err
	}
	return s.Validate(instance)
}

// stateSchemaJSON mirrors the decoder's tolerance: only the fields whose
// absence or wrong shape would corrupt counters are constrained, unknown
// fields pass so old files keep loading.
const stateSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "meritd persisted state",
  "type": "object",
  "required": ["stats", "settings"],
  "properties": {
    "version": { "type": "integer", "minimum": 0 },
    "stats": {
      "type": "object",
      "required": ["total_merit", "today", "history"],
      "properties": {
        "total_merit": { "type": "integer", "minimum": 0 },
        "today": { "$ref": "#/definitions/dailyStats" },
        "history": {
          "type": "array",
          "items": { "$ref": "#/definitions/dailyStats" }
        }
      }
    },
    "settings": {
      "type": "object",
      "properties": {
        "enable_keyboard": { "type": "boolean" },
        "enable_mouse_single": { "type": "boolean" },
        "opacity": { "type": "number" },
        "animation_speed": { "type": "number" },
        "window_scale": { "type": "integer", "minimum": 0 },
        "heatmap_levels": { "type": "integer", "minimum": 0 }
      }
    },
    "achievements": {
      "type": ["object", "null"],
      "properties": {
        "unlock_index": { "type": ["array", "null"] },
        "unlock_history": { "type": ["array", "null"] }
      }
    },
    "window_placements": {
      "type": ["object", "null"],
      "additionalProperties": {
        "type": "object",
        "properties": {
          "x": { "type": "integer" },
          "y": { "type": "integer" },
          "width": { "type": "integer", "minimum": 0 },
          "height": { "type": "integer", "minimum": 0 }
        }
      }
    },
    "click_heatmap": {
      "type": ["object", "null"],
      "properties": {
        "version": { "type": "integer", "minimum": 0 },
        "displays": { "type": ["object", "null"] },
        "daily": { "type": ["object", "null"] }
      }
    }
  },
  "definitions": {
    "dailyStats": {
      "type": "object",
      "required": ["date"],
      "properties": {
        "date": { "type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$" },
        "total": { "type": "integer", "minimum": 0 },
        "keyboard": { "type": "integer", "minimum": 0 },
        "mouse_single": { "type": "integer", "minimum": 0 },
        "mouse_move_distance_px": { "type": "integer", "minimum": 0 },
        "hourly": { "type": "array" }
      }
    }
  }
}`
