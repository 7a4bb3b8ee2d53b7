package syncx

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
)

// AppendMergeFields maps entity table -> fields whose values are
// history-like JSON arrays that must be merged append-only instead of
// overwritten. Overwriting a balance history would silently lose a
// legitimate financial event.
type AppendMergeFields map[string]map[string]struct{}

// DefaultAppendMergeFields enumerates the append-merge fields per table.
func DefaultAppendMergeFields() AppendMergeFields {
	return AppendMergeFields{
		"accounts":  {"balance_history": {}},
		"goals":     {"progress_history": {}},
		"scenarios": {},
	}
}

// historyEvent is the minimal shape of one history entry; extra keys are
// preserved verbatim through Raw.
type historyEvent struct {
	ID  string
	At  int64
	Raw json.RawMessage
}

// Resolver produces a deterministic merge of a local and a remote version of
// the same entity. It operates on decrypted values only; callers re-encrypt
// the result through the field manager, which keeps nonce generation on a
// single path.
type Resolver struct {
	appendFields AppendMergeFields
}

// NewResolver constructs a resolver with the given append-merge field table.
func NewResolver(appendFields AppendMergeFields) *Resolver {
	return &Resolver{appendFields: appendFields}
}

func (r *Resolver) appendMerge(table, field string) bool {
	fields, ok := r.appendFields[table]
	if !ok {
		return false
	}
	_, ok = fields[field]
	return ok
}

// Resolve merges the conflict's decrypted local and remote versions.
// localOrigin and remoteOrigin are the stable replica identifiers used to
// break timestamp ties, so every replica resolves the same inputs to the
// same output.
//
// Policy: last-writer-wins by UpdatedAt per entity, except fields registered
// for append-only merge, which always union both sides' history entries.
func (r *Resolver) Resolve(c models.Conflict, localOrigin, remoteOrigin string) (*models.Entity, error) {
	local, remote := c.Local, c.Remote

	winner, loser := remote, local
	switch {
	case local.UpdatedAt.After(remote.UpdatedAt):
		winner, loser = local, remote
	case remote.UpdatedAt.After(local.UpdatedAt):
		// remote wins, already set
	default:
		// Equal timestamps: larger origin id wins, on both replicas.
		if localOrigin > remoteOrigin {
			winner, loser = local, remote
		}
	}

	merged := winner.Clone()

	// A tombstone on either side survives the merge; deletions are never
	// resurrected by a concurrent field edit.
	if local.Deleted() || remote.Deleted() {
		if merged.DeletedAt == nil {
			if local.DeletedAt != nil {
				merged.DeletedAt = local.DeletedAt
			} else {
				merged.DeletedAt = remote.DeletedAt
			}
		}
		return merged, nil
	}

	for name := range unionKeys(local.Fields, remote.Fields) {
		if !r.appendMerge(c.Table, name) {
			// LWW: keep the winner's value; fill fields only the loser has.
			if _, ok := merged.Fields[name]; !ok {
				merged.Fields[name] = loser.Fields[name]
			}
			continue
		}
		mergedHistory, err := mergeHistories(local.Fields[name].Plain, remote.Fields[name].Plain)
		if err != nil {
			return nil, fmt.Errorf("merge %s.%s: %w", c.Table, name, err)
		}
		merged.Fields[name] = models.PlainValue(mergedHistory)
	}

	return merged, nil
}

// mergeHistories unions two JSON arrays of history events, deduplicated by
// event id, ordered by (timestamp, id). Either side may be empty.
func mergeHistories(a, b []byte) ([]byte, error) {
	events := make(map[string]historyEvent)
	for _, side := range [][]byte{a, b} {
		if len(side) == 0 {
			continue
		}
		var raw []json.RawMessage
		if err := json.Unmarshal(side, &raw); err != nil {
			return nil, fmt.Errorf("history is not a JSON array: %w", err)
		}
		for _, item := range raw {
			var probe struct {
				ID string `json:"id"`
				At int64  `json:"at"`
			}
			if err := json.Unmarshal(item, &probe); err != nil {
				return nil, fmt.Errorf("history entry: %w", err)
			}
			if probe.ID == "" {
				return nil, fmt.Errorf("history entry missing id")
			}
			events[probe.ID] = historyEvent{ID: probe.ID, At: probe.At, Raw: item}
		}
	}

	ordered := make([]historyEvent, 0, len(events))
	for _, e := range events {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].At != ordered[j].At {
			return ordered[i].At < ordered[j].At
		}
		return ordered[i].ID < ordered[j].ID
	})

	items := make([]json.RawMessage, len(ordered))
	for i, e := range ordered {
		items[i] = e.Raw
	}
	return json.Marshal(items)
}

func unionKeys(a, b map[string]models.FieldValue) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}
