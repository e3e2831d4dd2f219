package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeKeys(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write keys: %v", err)
	}
}

func TestKeyringReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	writeKeys(t, path, "users:\n  alice:\n    keys: [k1]\n")
	ring, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := ring.UserForKey("k2"); ok {
		t.Fatal("k2 should be unknown before reload")
	}

	writeKeys(t, path, "default_policy:\n  allow_localhost_without_auth: false\nusers:\n  alice:\n    keys: [k1]\n  bob:\n    keys: [k2]\n")
	if err := ring.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if user, ok := ring.UserForKey("k2"); !ok || user != "bob" {
		t.Fatalf("expected k2 -> bob, got %q ok=%v", user, ok)
	}
	if ring.AllowLocalhost() {
		t.Fatal("expected localhost bypass disabled after reload")
	}
	if ring.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", ring.Len())
	}
}

func TestKeyringFailedReloadKeepsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	writeKeys(t, path, "users:\n  alice:\n    keys: [k1]\n")
	ring, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	writeKeys(t, path, "users:\n  alice:\n    keys: [k1]\n  bob:\n    keys: [k1]\n")
	if err := ring.Reload(); err == nil {
		t.Fatal("expected reload to fail on a shared key")
	}
	writeKeys(t, path, "users: [not, a, map]\n")
	if err := ring.Reload(); err == nil {
		t.Fatal("expected reload to fail on bad yaml")
	}
	if user, ok := ring.UserForKey("k1"); !ok || user != "alice" {
		t.Fatalf("expected k1 -> alice to survive, got %q ok=%v", user, ok)
	}
}

func TestKeyringDisabledUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	writeKeys(t, path, "users:\n  alice:\n    keys: [k1]\n  mallory:\n    disabled: true\n    keys: [k2]\n")
	ring, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := ring.UserForKey("k2"); ok {
		t.Fatal("disabled user authenticated")
	}
	if ring.Len() != 1 {
		t.Fatalf("expected 1 key, got %d", ring.Len())
	}

	// Adding a key keeps the disabled flag.
	if _, err := AddUserKey(path, "alice"); err != nil {
		t.Fatalf("add key: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "disabled: true") {
		t.Fatalf("disabled flag lost:\n%s", data)
	}
}

func TestKeyringRejectsBadUserNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	writeKeys(t, path, "users:\n  \"bad name\":\n    keys: [k1]\n  \" \":\n    keys: [k2]\n")
	_, err := LoadKeyring(path)
	if err == nil {
		t.Fatal("expected invalid user names to be rejected")
	}
	if !strings.Contains(err.Error(), "whitespace") || !strings.Contains(err.Error(), "blank") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestKeyringWithoutFileCannotReload(t *testing.T) {
	ring := NewKeyring(true, map[string]string{"k": "alice"})
	if err := ring.Reload(); err == nil {
		t.Fatal("expected reload without a keys file to fail")
	}
	if user, ok := ring.UserForKey("k"); !ok || user != "alice" {
		t.Fatalf("expected k -> alice, got %q ok=%v", user, ok)
	}
}
