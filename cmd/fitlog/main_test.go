package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(append([]string{"--data-dir", dataDir, "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVersionDefault(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

// =====================================================
// Commands
// =====================================================

func TestWriteLoginAndBackup(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "write", "workout", "--id", "w1", `{"name":"run"}`)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	var rec struct {
		Namespace string `json:"namespace"`
		EntityID  string `json:"entity_id"`
	}
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("write output is not JSON: %v\n%s", err, out)
	}
	if rec.Namespace != "guest" || rec.EntityID != "w1" {
		t.Errorf("unexpected record %+v", rec)
	}

	out, err = run(t, dir, "login", "u1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, `"success": true`) {
		t.Errorf("expected a successful migration, got:\n%s", out)
	}

	// The session is kept, so this write lands in the account.
	out, err = run(t, dir, "write", "nutrition", `{"name":"oats"}`)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(out, `"user:u1"`) {
		t.Errorf("expected the account namespace, got:\n%s", out)
	}

	if _, err := run(t, dir, "backup", "create", "--type", "full"); err != nil {
		t.Fatalf("backup create: %v", err)
	}
	out, err = run(t, dir, "backup", "list")
	if err != nil {
		t.Fatalf("backup list: %v", err)
	}
	if !strings.Contains(out, "full") || !strings.Contains(out, "2 entities") {
		t.Errorf("unexpected backup list:\n%s", out)
	}
}

func TestWriteRejectsUnknownEntityType(t *testing.T) {
	if _, err := run(t, t.TempDir(), "write", "recipe", `{}`); err == nil {
		t.Error("expected an error for an unknown entity type")
	}
}

func TestRestoreUnknownBackup(t *testing.T) {
	_, err := run(t, t.TempDir(), "restore", "nope")
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestStatus(t *testing.T) {
	out, err := run(t, t.TempDir(), "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var got struct {
		Status struct {
			State string `json:"state"`
		} `json:"status"`
		Health struct {
			Components map[string]interface{} `json:"components"`
		} `json:"health"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("status output is not JSON: %v", err)
	}
	if got.Status.State != "initialized" {
		t.Errorf("state = %q, want initialized", got.Status.State)
	}
	if _, ok := got.Health.Components["database"]; !ok {
		t.Error("health should report the database")
	}
}
