package main

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func newBridge(t *testing.T) *bridge {
	t.Helper()
	t.Setenv("FITLOG_REMOTE_KIND", "memory")
	t.Setenv("FITLOG_BACKUP_INTERVAL", "manual")

	b := &bridge{}
	payload, _ := json.Marshal(map[string]interface{}{
		"data_dir": t.TempDir(),
		"conditions": map[string]interface{}{
			"battery_level": 80,
			"network_type":  "wifi",
			"is_online":     true,
		},
	})
	out := b.Init(string(payload))
	if strings.Contains(out, `"error"`) {
		t.Fatalf("Init: %s", out)
	}
	t.Cleanup(func() { b.Cleanup() })
	return b
}

func decodeReply(t *testing.T, out string, v interface{}) {
	t.Helper()
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
}

// =====================================================
// Lifecycle
// =====================================================

func TestBridge_NotInitialized(t *testing.T) {
	b := &bridge{}
	var reply errorReply
	decodeReply(t, b.Status(), &reply)
	if reply.Code != "INVALID_INPUT" || reply.Error == "" {
		t.Errorf("reply = %+v, want an invalid input error", reply)
	}
	if b.lastError() == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestBridge_InitIsIdempotent(t *testing.T) {
	b := newBridge(t)
	var st struct {
		State string `json:"state"`
	}
	decodeReply(t, b.Init(`{}`), &st)
	if st.State != "initialized" {
		t.Errorf("state = %q, want initialized", st.State)
	}
}

func TestBridge_InvalidPayload(t *testing.T) {
	b := newBridge(t)
	out := b.Write(`{not json`)
	if !strings.Contains(out, `"error"`) {
		t.Errorf("Write = %s, want an error", out)
	}
}

// =====================================================
// Data flow
// =====================================================

func TestBridge_WriteLoginSync(t *testing.T) {
	b := newBridge(t)

	out := b.Write(`{"entity_type":"workout","data":{"name":"swim"}}`)
	if strings.Contains(out, `"error"`) {
		t.Fatalf("Write: %s", out)
	}

	var auth struct {
		UserID    string `json:"user_id"`
		Migration *struct {
			Success bool `json:"success"`
		} `json:"migration"`
	}
	decodeReply(t, b.Login(`{"user_id":"u1"}`), &auth)
	if auth.UserID != "u1" || auth.Migration == nil || !auth.Migration.Success {
		t.Fatalf("Login = %+v", auth)
	}

	var res struct {
		Applied int `json:"applied"`
	}
	decodeReply(t, b.Sync("high", false), &res)
	if res.Applied != 1 {
		t.Errorf("applied = %d, want 1", res.Applied)
	}

	var records []map[string]interface{}
	decodeReply(t, b.List("workout"), &records)
	if len(records) != 1 {
		t.Errorf("records = %d, want 1", len(records))
	}
}

func TestBridge_WriteRejectsUnknownType(t *testing.T) {
	b := newBridge(t)
	out := b.Write(`{"entity_type":"recipe","data":{}}`)
	if !strings.Contains(out, "unknown entity type") {
		t.Errorf("Write = %s", out)
	}
}

func TestBridge_ReportConditionsDefersSync(t *testing.T) {
	b := newBridge(t)
	b.ReportConditions(`{"battery_level":5,"network_type":"wifi","is_online":true}`)

	var d struct {
		ShouldSync bool   `json:"should_sync"`
		Reason     string `json:"reason"`
	}
	decodeReply(t, b.Decide("low"), &d)
	if d.ShouldSync || d.Reason != "battery" {
		t.Errorf("decision = %+v", d)
	}
}

// =====================================================
// Backups
// =====================================================

func TestBridge_BackupAndRestore(t *testing.T) {
	b := newBridge(t)
	b.Write(`{"entity_type":"profile","id":"me","data":{"display_name":"v1"}}`)

	var rec struct {
		ID string `json:"id"`
	}
	decodeReply(t, b.CreateBackup(`{"type":"full"}`), &rec)
	if rec.ID == "" {
		t.Fatal("expected a backup id")
	}

	b.Write(`{"entity_type":"profile","id":"me","data":{"display_name":"v2"}}`)
	out := b.Restore(`{"backup_id":"` + rec.ID + `","merge_strategy":"replace"}`)
	if strings.Contains(out, `"error"`) {
		t.Fatalf("Restore: %s", out)
	}
	if list := b.List("profile"); !strings.Contains(list, "v1") {
		t.Errorf("profile after restore = %s", list)
	}
}

func TestBridge_RestoreRequiresBackupID(t *testing.T) {
	b := newBridge(t)
	out := b.Restore(`{}`)
	if !strings.Contains(out, "backup_id is required") {
		t.Errorf("Restore = %s", out)
	}
}
