package core

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestNewIdentityDerivesIDFromPublicKey(t *testing.T) {
	id, err := NewIdentity("alice")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	if id.IdentityID != identityIDFromPublicKey(id.PublicKey) {
		t.Errorf("identity id must be derived from the public key")
	}
	if len(id.IdentityID) != 32 {
		t.Errorf("identity id must be 16 hex-encoded bytes, got %d chars", len(id.IdentityID))
	}
	if len(id.PublicKey) != ed25519.PublicKeySize || len(id.PrivateKey) != ed25519.PrivateKeySize {
		t.Errorf("unexpected key sizes: pub=%d priv=%d", len(id.PublicKey), len(id.PrivateKey))
	}
}

func TestIdentityStoreSaveLoadRoundTrip(t *testing.T) {
	store, err := NewIdentityStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewIdentityStore: %v", err)
	}
	id, _ := NewIdentity("alice")
	id.Metadata["color"] = "red"
	if err := store.Save(id); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load("alice")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.IdentityID != id.IdentityID || !loaded.PublicKey.Equal(id.PublicKey) {
		t.Errorf("loaded identity differs from saved")
	}
	if loaded.Metadata["color"] != "red" {
		t.Errorf("metadata lost on round trip")
	}
}

func TestIdentityStoreFileModes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX file modes")
	}
	dir := t.TempDir()
	store, err := NewIdentityStore(dir)
	if err != nil {
		t.Fatalf("NewIdentityStore: %v", err)
	}
	id, _ := NewIdentity("alice")
	if err := store.Save(id); err != nil {
		t.Fatalf("Save: %v", err)
	}

	di, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if di.Mode().Perm() != 0o700 {
		t.Errorf("identity directory mode = %o, want 0700", di.Mode().Perm())
	}
	fi, err := os.Stat(filepath.Join(dir, "alice.json"))
	if err != nil {
		t.Fatalf("stat file: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("identity file mode = %o, want 0600", fi.Mode().Perm())
	}
}

// The path validator rejects names whose resolved absolute form escapes
// the store directory.
func TestIdentityStoreRejectsEscapingPaths(t *testing.T) {
	store, err := NewIdentityStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewIdentityStore: %v", err)
	}
	for _, name := range []string{"../evil", "../../etc/passwd", "a/../../b"} {
		if _, err := store.Load(name); err == nil {
			t.Errorf("Load(%q) must be rejected", name)
		}
		id, _ := NewIdentity(name)
		if err := store.Save(id); err == nil {
			t.Errorf("Save(%q) must be rejected", name)
		}
	}
}

func TestIdentityStoreRejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	base := t.TempDir()
	outside := t.TempDir()
	dir := filepath.Join(base, "ids")
	store, err := NewIdentityStore(dir)
	if err != nil {
		t.Fatalf("NewIdentityStore: %v", err)
	}
	// A directory component inside the store that points outside it.
	if err := os.Symlink(outside, filepath.Join(dir, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := store.Load("link/alice"); err == nil {
		t.Errorf("load through an escaping symlink must be rejected")
	}
}

func TestIdentityFromMnemonicIsDeterministic(t *testing.T) {
	id1, mnemonic, err := NewRandomIdentity("alice", 128)
	if err != nil {
		t.Fatalf("NewRandomIdentity: %v", err)
	}
	id2, err := IdentityFromMnemonic("alice-recovered", mnemonic, "")
	if err != nil {
		t.Fatalf("IdentityFromMnemonic: %v", err)
	}
	if id1.IdentityID != id2.IdentityID {
		t.Errorf("mnemonic recovery must reproduce the same identity id")
	}
	if !id1.PublicKey.Equal(id2.PublicKey) {
		t.Errorf("mnemonic recovery must reproduce the same keypair")
	}
}

func TestIdentityFromMnemonicRejectsBadChecksum(t *testing.T) {
	if _, err := IdentityFromMnemonic("x", "not a real mnemonic at all", ""); err == nil {
		t.Fatalf("invalid mnemonic must be rejected")
	}
}

func TestNewRandomIdentityRejectsOddEntropy(t *testing.T) {
	if _, _, err := NewRandomIdentity("x", 192); err == nil {
		t.Fatalf("unsupported entropy size must be rejected")
	}
}

func TestIdentityStoreRemove(t *testing.T) {
	store, _ := NewIdentityStore(t.TempDir())
	id, _ := NewIdentity("alice")
	if err := store.Save(id); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Remove("alice"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Load("alice"); err == nil {
		t.Errorf("removed identity must not load")
	}
	if err := store.Remove("alice"); err != nil {
		t.Errorf("removing a missing identity is a no-op, got %v", err)
	}
}
