// Package conflict provides unit tests for restore merge planning.
package conflict

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

var ns = models.UserNamespace("u1")

func rec(id, data string, version, synced, updatedAt int64) models.Record {
	return models.Record{
		Namespace:     ns,
		EntityType:    models.EntityWorkout,
		EntityID:      id,
		Data:          json.RawMessage(data),
		Version:       version,
		SyncedVersion: synced,
		UpdatedAt:     updatedAt,
	}
}

func actions(p *Plan) map[string]Action {
	out := make(map[string]Action, len(p.Resolutions))
	for _, r := range p.Resolutions {
		out[r.Key] = r.Action
	}
	return out
}

func key(id string) string {
	return models.RecordKey(ns, models.EntityWorkout, id)
}

// TestParseStrategy verifies accepted names.
func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"replace", "mergeKeepLocal", "mergeKeepRemote"} {
		if got, err := ParseStrategy(s); err != nil || string(got) != s {
			t.Errorf("ParseStrategy(%q) = %q, %v", s, got, err)
		}
	}
	if got, _ := ParseStrategy(""); got != StrategyReplace {
		t.Errorf("ParseStrategy(\"\") = %q, want replace", got)
	}
	if _, err := ParseStrategy("union"); !IsConflictError(err) {
		t.Errorf("ParseStrategy(union) error = %v, want ConflictError", err)
	}
}

// TestPlan_replace verifies the snapshot overwrites local state entirely.
func TestPlan_replace(t *testing.T) {
	local := []models.Record{
		rec("a", `{"v":"local"}`, 5, 5, 500),
		rec("b", `{"v":"same"}`, 2, 2, 200),
		rec("extra", `{"v":"new"}`, 1, 0, 900),
	}
	snapshot := []models.Record{
		rec("a", `{"v":"snap"}`, 3, 3, 300),
		rec("b", `{"v":"same"}`, 2, 2, 200),
		rec("gone", `{"v":"old"}`, 1, 1, 100),
	}

	plan, err := NewResolver(StrategyReplace).Plan(local, snapshot, false)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	got := actions(plan)
	want := map[string]Action{
		key("a"):     ActionApplySnapshot,
		key("b"):     ActionUnchanged,
		key("gone"):  ActionApplySnapshot,
		key("extra"): ActionRemoveLocal,
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("action[%s] = %q, want %q", k, got[k], w)
		}
	}
	if plan.Applied != 2 || plan.Removed != 1 || plan.Unchanged != 1 || len(plan.Writes) != 3 {
		t.Errorf("plan counts = %+v", plan)
	}

	for _, w := range plan.Writes {
		switch w.EntityID {
		case "a":
			if string(w.Data) != `{"v":"snap"}` || w.Version != 6 || w.SyncedVersion != 5 {
				t.Errorf("write a = %+v, want snapshot data at version 6 diverged from 5", w)
			}
			if !w.Divergent() {
				t.Error("applied write a not divergent")
			}
		case "extra":
			if !w.Deleted || w.Data != nil || w.Version != 2 {
				t.Errorf("write extra = %+v, want tombstone at version 2", w)
			}
		case "gone":
			if w.Version != 2 || w.SyncedVersion != 0 {
				t.Errorf("write gone = %+v, want version 2 synced 0", w)
			}
		}
	}
}

// TestPlan_replacePartial verifies local entities outside the snapshot are
// untouched.
func TestPlan_replacePartial(t *testing.T) {
	local := []models.Record{rec("extra", `{}`, 1, 1, 1)}
	snapshot := []models.Record{rec("a", `{}`, 1, 1, 1)}

	plan, err := NewResolver(StrategyReplace).Plan(local, snapshot, true)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Removed != 0 || plan.Applied != 1 {
		t.Errorf("partial plan = %+v", plan)
	}
}

// TestPlan_mergeKeepLocal verifies snapshot entities fill gaps only.
func TestPlan_mergeKeepLocal(t *testing.T) {
	local := []models.Record{rec("a", `{"v":"local"}`, 5, 5, 100)}
	snapshot := []models.Record{
		rec("a", `{"v":"snap"}`, 7, 7, 900),
		rec("b", `{"v":"snap"}`, 1, 1, 900),
	}

	plan, err := NewResolver(StrategyMergeKeepLocal).Plan(local, snapshot, false)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	got := actions(plan)
	if got[key("a")] != ActionKeepLocal || got[key("b")] != ActionApplySnapshot {
		t.Errorf("actions = %v", got)
	}
	if len(plan.Writes) != 1 || plan.Writes[0].EntityID != "b" {
		t.Errorf("writes = %+v, want only b", plan.Writes)
	}
}

// TestPlan_mergeKeepRemote verifies the snapshot wins unless local is
// strictly newer.
func TestPlan_mergeKeepRemote(t *testing.T) {
	local := []models.Record{
		rec("newer", `{"v":"local"}`, 3, 3, 900),
		rec("older", `{"v":"local"}`, 3, 3, 100),
		rec("tie", `{"v":"local"}`, 3, 3, 500),
	}
	snapshot := []models.Record{
		rec("newer", `{"v":"snap"}`, 2, 2, 500),
		rec("older", `{"v":"snap"}`, 2, 2, 500),
		rec("tie", `{"v":"snap"}`, 2, 2, 500),
	}

	plan, err := NewResolver(StrategyMergeKeepRemote).Plan(local, snapshot, false)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	got := actions(plan)
	if got[key("newer")] != ActionKeepLocal {
		t.Errorf("newer = %q, want keep_local", got[key("newer")])
	}
	if got[key("older")] != ActionApplySnapshot || got[key("tie")] != ActionApplySnapshot {
		t.Errorf("older/tie = %q/%q, want apply_snapshot", got[key("older")], got[key("tie")])
	}
}

// TestPlan_duplicateSnapshotKey verifies malformed snapshots are rejected.
func TestPlan_duplicateSnapshotKey(t *testing.T) {
	snapshot := []models.Record{rec("a", `{}`, 1, 1, 1), rec("a", `{}`, 2, 2, 2)}
	if _, err := NewResolver(StrategyReplace).Plan(nil, snapshot, false); !IsConflictError(err) {
		t.Errorf("Plan() error = %v, want ConflictError", err)
	}
}

// TestPlan_writesDoNotAliasSnapshot verifies planned writes own their data.
func TestPlan_writesDoNotAliasSnapshot(t *testing.T) {
	snapshot := []models.Record{rec("a", `{"v":1}`, 1, 1, 1)}
	plan, _ := NewResolver(StrategyReplace).Plan(nil, snapshot, false)
	plan.Writes[0].Data[2] = 'x'
	if string(snapshot[0].Data) != `{"v":1}` {
		t.Errorf("snapshot mutated: %s", snapshot[0].Data)
	}
}
