// Package resume persists the durable subset of a workflow — phase plus
// plain string fields — into the key-value store and restores it at the next
// launch. It is the only writer of the store.
package resume

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"clipstudio/engine/internal/logging"
	"clipstudio/engine/internal/store"
)

// Snapshot is the serializable record of one workflow. Session handles and
// in-flight streams never appear here.
type Snapshot struct {
	Phase  string              `json:"phase"`
	Fields map[string]string   `json:"fields,omitempty"`
	Lists  map[string][]string `json:"lists,omitempty"`
}

type Layer struct {
	kv     store.KV
	logger *slog.Logger
}

func New(kv store.KV, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Layer{kv: kv, logger: logger}
}

// Save writes the snapshot under the given key, one JSON value per workflow.
func (l *Layer) Save(key string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := l.kv.Set(key, string(data)); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// Restore loads the snapshot under key. fallback maps phases that require a
// live provider session to the nearest phase that does not; a restored phase
// with a mapping is downgraded before being returned, so callers never
// resume into a phase whose session is gone. The second return is false when
// nothing was persisted.
func (l *Layer) Restore(key string, fallback map[string]string) (Snapshot, bool, error) {
	raw, ok, err := l.kv.Get(key)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	if !ok {
		return Snapshot{}, false, nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		// A corrupt record is unrecoverable state; treat it as absent.
		l.logger.Warn("resume.corrupt_snapshot", "key", key, "error", err.Error())
		return Snapshot{}, false, nil
	}
	// Chase the fallback chain: a downgrade target could itself need a
	// session. Bounded by the map size, so a cyclic map cannot loop forever.
	for i := 0; i < len(fallback)+1; i++ {
		next, mapped := fallback[snap.Phase]
		if !mapped {
			break
		}
		l.logger.Info("resume.phase_downgraded", "key", key, "from", snap.Phase, "to", next)
		snap.Phase = next
	}
	return snap, true, nil
}

// Clear removes the persisted snapshot, used when a workflow resets.
func (l *Layer) Clear(key string) error {
	return l.kv.Remove(key)
}
