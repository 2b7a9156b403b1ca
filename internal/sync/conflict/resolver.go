// Package conflict combines a restored snapshot with the current local
// records. Resolution is per whole entity; fields are never mixed.
package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// Strategy selects how snapshot entities combine with local ones.
type Strategy string

const (
	// StrategyReplace overwrites local state with the snapshot.
	StrategyReplace Strategy = "replace"
	// StrategyMergeKeepLocal applies snapshot entities only where the local
	// entity is absent.
	StrategyMergeKeepLocal Strategy = "mergeKeepLocal"
	// StrategyMergeKeepRemote applies snapshot entities unless the local one
	// carries a strictly newer watermark.
	StrategyMergeKeepRemote Strategy = "mergeKeepRemote"
)

// ParseStrategy validates s. An empty string selects StrategyReplace.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyReplace, nil
	case StrategyReplace, StrategyMergeKeepLocal, StrategyMergeKeepRemote:
		return Strategy(s), nil
	}
	return "", &ConflictError{Message: fmt.Sprintf("unknown merge strategy %q", s)}
}

// Action is what happens to one entity.
type Action string

const (
	ActionApplySnapshot Action = "apply_snapshot"
	ActionKeepLocal     Action = "keep_local"
	ActionRemoveLocal   Action = "remove_local" // replace only: absent from the snapshot
	ActionUnchanged     Action = "unchanged"
)

// Resolution records the decision for one entity.
type Resolution struct {
	Key    string `json:"key"`
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Plan is the set of writes a restore performs. Writes carry bumped
// versions so every changed entity diverges from the remote and is queued.
type Plan struct {
	Strategy    Strategy        `json:"strategy"`
	Writes      []models.Record `json:"-"`
	Resolutions []Resolution    `json:"resolutions"`
	Applied     int             `json:"applied"`
	KeptLocal   int             `json:"kept_local"`
	Removed     int             `json:"removed"`
	Unchanged   int             `json:"unchanged"`
}

// Resolver builds merge plans for one strategy.
type Resolver struct {
	strategy Strategy
	now      func() time.Time
}

// NewResolver creates a Resolver. An empty strategy means replace.
func NewResolver(strategy Strategy) *Resolver {
	if strategy == "" {
		strategy = StrategyReplace
	}
	return &Resolver{strategy: strategy, now: time.Now}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Plan compares snapshot against local. With partial set, local entities
// missing from the snapshot are left alone even under replace.
func (r *Resolver) Plan(local, snapshot []models.Record, partial bool) (*Plan, error) {
	localByKey := make(map[string]models.Record, len(local))
	for _, rec := range local {
		localByKey[rec.Key()] = rec
	}

	plan := &Plan{Strategy: r.strategy}
	seen := make(map[string]bool, len(snapshot))
	for _, snap := range snapshot {
		key := snap.Key()
		if seen[key] {
			return nil, &ConflictError{Message: fmt.Sprintf("snapshot lists %s twice", key)}
		}
		seen[key] = true

		cur, exists := localByKey[key]
		var curPtr *models.Record
		if exists {
			curPtr = &cur
		}
		action, reason := r.decide(curPtr, &snap)
		r.add(plan, key, action, reason, curPtr, &snap)
	}

	if r.strategy == StrategyReplace && !partial {
		keys := make([]string, 0, len(localByKey))
		for key := range localByKey {
			if !seen[key] {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			cur := localByKey[key]
			if cur.Deleted {
				r.add(plan, key, ActionUnchanged, "already removed", &cur, nil)
				continue
			}
			r.add(plan, key, ActionRemoveLocal, "absent from snapshot", &cur, nil)
		}
	}

	logging.Info("[Conflict] Restore plan built", map[string]interface{}{
		"strategy":   string(r.strategy),
		"partial":    partial,
		"applied":    plan.Applied,
		"kept_local": plan.KeptLocal,
		"removed":    plan.Removed,
		"unchanged":  plan.Unchanged,
	})
	return plan, nil
}

func (r *Resolver) decide(local, snap *models.Record) (Action, string) {
	if local != nil && local.SameContent(snap) {
		return ActionUnchanged, "identical content"
	}
	switch r.strategy {
	case StrategyMergeKeepLocal:
		if local != nil {
			return ActionKeepLocal, "local entity present"
		}
		return ActionApplySnapshot, "local entity absent"
	case StrategyMergeKeepRemote:
		if local != nil && local.UpdatedAt > snap.UpdatedAt {
			logging.Debug("[Conflict] Local entity newer than snapshot", map[string]interface{}{
				"key":                 local.Key(),
				"local_updated_at":    local.UpdatedAt,
				"snapshot_updated_at": snap.UpdatedAt,
			})
			return ActionKeepLocal, "local watermark newer"
		}
		return ActionApplySnapshot, "snapshot wins"
	default:
		return ActionApplySnapshot, "replace"
	}
}

func (r *Resolver) add(plan *Plan, key string, action Action, reason string, local, snap *models.Record) {
	plan.Resolutions = append(plan.Resolutions, Resolution{Key: key, Action: action, Reason: reason})
	switch action {
	case ActionUnchanged:
		plan.Unchanged++
	case ActionKeepLocal:
		plan.KeptLocal++
	case ActionApplySnapshot:
		plan.Applied++
		w := *snap
		w.Data = append([]byte(nil), snap.Data...)
		w.Version, w.SyncedVersion = nextVersion(local, snap)
		plan.Writes = append(plan.Writes, w)
	case ActionRemoveLocal:
		plan.Removed++
		w := *local
		w.Data = nil
		w.Deleted = true
		w.Version = local.Version + 1
		w.UpdatedAt = r.now().UnixNano()
		plan.Writes = append(plan.Writes, w)
	}
}

// nextVersion returns a version above both sides so the write is seen as a
// fresh local change. The synced version of the local entity is kept.
func nextVersion(local, snap *models.Record) (version, synced int64) {
	version = snap.Version
	if local != nil {
		if local.Version > version {
			version = local.Version
		}
		synced = local.SyncedVersion
	}
	return version + 1, synced
}

// ConflictError represents a merge planning error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
