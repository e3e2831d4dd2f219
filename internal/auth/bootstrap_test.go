package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBootstrapDevKeyCreatesFile(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "test-keys.yaml")

	result, err := BootstrapDevKey(keysPath, "coordinator")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected Created=true")
	}
	if result.Key == "" {
		t.Fatalf("expected non-empty key")
	}
	if result.User != "coordinator" {
		t.Fatalf("expected user=coordinator, got %s", result.User)
	}

	ring, err := LoadKeyring(keysPath)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	user, ok := ring.UserForKey(result.Key)
	if !ok || user != "coordinator" {
		t.Fatalf("expected key to map to coordinator, got %s ok=%v", user, ok)
	}
	if !ring.AllowLocalhost() {
		t.Fatalf("expected localhost bypass enabled by default")
	}
}

func TestBootstrapDevKeySkipsExisting(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "test-keys.yaml")

	if err := os.WriteFile(keysPath, []byte("existing"), 0600); err != nil {
		t.Fatalf("write existing: %v", err)
	}

	result, err := BootstrapDevKey(keysPath, "coordinator")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if result.Created {
		t.Fatalf("expected Created=false for existing file")
	}

	data, _ := os.ReadFile(keysPath)
	if string(data) != "existing" {
		t.Fatalf("file was modified")
	}
}

func TestBootstrapDevKeyDefaultUser(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "test-keys.yaml")

	result, err := BootstrapDevKey(keysPath, "")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if result.User != "dev" {
		t.Fatalf("expected default user=dev, got %s", result.User)
	}
}

func TestAddUserKeyKeepsExisting(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "keys.yaml")

	first, err := AddUserKey(keysPath, "alice")
	if err != nil {
		t.Fatalf("add alice: %v", err)
	}
	second, err := AddUserKey(keysPath, "bob")
	if err != nil {
		t.Fatalf("add bob: %v", err)
	}
	if second.Created {
		t.Fatalf("expected second add to reuse the file")
	}
	again, err := AddUserKey(keysPath, "alice")
	if err != nil {
		t.Fatalf("add alice again: %v", err)
	}

	ring, err := LoadKeyring(keysPath)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	for key, want := range map[string]string{first.Key: "alice", second.Key: "bob", again.Key: "alice"} {
		if got, ok := ring.UserForKey(key); !ok || got != want {
			t.Fatalf("key %q: expected %s, got %s ok=%v", key, want, got, ok)
		}
	}
}

func TestAddUserKeyRequiresUser(t *testing.T) {
	if _, err := AddUserKey(filepath.Join(t.TempDir(), "keys.yaml"), ""); err == nil {
		t.Fatal("expected error for empty user")
	}
}

func TestLoadKeyringRejectsSharedKey(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "keys.yaml")
	data := "users:\n  alice:\n    keys: [k1]\n  bob:\n    keys: [k1]\n"
	if err := os.WriteFile(keysPath, []byte(data), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadKeyring(keysPath); err == nil {
		t.Fatal("expected error for key shared by two users")
	}
}
