package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/randomizer/client"
)

type testKeysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Users map[string]struct {
		Keys []string `yaml:"keys"`
	} `yaml:"users"`
}

func TestInitKeysFileCreatesUserKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	key, err := InitKeysFile(path, "coordinator")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if key == "" {
		t.Fatalf("expected generated key")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	var cfg testKeysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if !cfg.DefaultPolicy.AllowLocalhostWithoutAuth {
		t.Fatalf("expected localhost bypass on a new file")
	}
	keys := cfg.Users["coordinator"].Keys
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("expected coordinator key %q, got %+v", key, keys)
	}
}

func TestInitKeysFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	first, err := InitKeysFile(path, "coordinator")
	if err != nil {
		t.Fatalf("first init: %v", err)
	}
	second, err := InitKeysFile(path, "coordinator")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct keys")
	}
	data, _ := os.ReadFile(path)
	var cfg testKeysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if got := cfg.Users["coordinator"].Keys; len(got) != 2 {
		t.Fatalf("expected two keys, got %v", got)
	}
}

func TestInitKeysFileRequiresArgs(t *testing.T) {
	if _, err := InitKeysFile("", "u"); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := InitKeysFile(filepath.Join(t.TempDir(), "k.yaml"), " "); err == nil {
		t.Fatalf("expected error for blank user")
	}
}

func TestPrintRows(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	changedAt := now.Add(-5 * time.Minute)
	pid := int64(1001)
	sch := client.Schema{
		Columns: []client.Column{{Name: "sex"}, {Name: "age"}},
		Site:    &client.Column{Name: "site", Site: true},
	}
	rows := []client.Row{
		{ID: 1, Values: []string{"f", "old"}, Site: "north", Arm: "drug", PatientID: &pid, ReservedBy: "alice", Locked: true, LastChanged: &changedAt},
		{ID: 2, Values: []string{"m", "young"}, Site: "north", Arm: "placebo"},
	}

	var buf bytes.Buffer
	if err := PrintRows(&buf, sch, rows, now); err != nil {
		t.Fatalf("print: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", buf.String())
	}
	for _, col := range []string{"SEX", "AGE", "SITE", "ARM", "PATIENT"} {
		if !strings.Contains(lines[0], col) {
			t.Fatalf("header %q missing %s", lines[0], col)
		}
	}
	if !strings.Contains(lines[1], "reserved") || !strings.Contains(lines[1], "5 minutes ago") {
		t.Fatalf("unexpected reserved line %q", lines[1])
	}
	if !strings.Contains(lines[2], "available") || !strings.Contains(lines[2], "-") {
		t.Fatalf("unexpected available line %q", lines[2])
	}
}

func TestPrintRowCompleted(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(-2 * time.Hour)
	pid := int64(2001)
	var buf bytes.Buffer
	err := PrintRow(&buf, client.Row{ID: 7, Values: []string{"f"}, Arm: "1", PatientID: &pid, Processed: true, LastChanged: &at}, now)
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"row:", "2001", "completed", "2 hours ago"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
	if strings.Contains(out, "site:") {
		t.Fatalf("site line printed for a table without sites: %q", out)
	}
}

func TestPrintTables(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := PrintTables(&buf, []client.Table{
		{ID: 1, Name: "trial", CreatedAt: now.Add(-48 * time.Hour)},
		{ID: 2, Name: "pilot", Hidden: true, CreatedAt: now},
	}, now)
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "2 days ago") || !strings.Contains(out, "yes") {
		t.Fatalf("unexpected output %q", out)
	}
}
