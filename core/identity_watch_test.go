package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeJunk(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("junk"), 0o600); err != nil {
		t.Fatalf("write junk file: %v", err)
	}
}

func TestIdentityWatcherInvalidatesOnExternalWrite(t *testing.T) {
	store, err := NewIdentityStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewIdentityStore: %v", err)
	}
	id, _ := NewIdentity("alice")
	if err := store.Save(id); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tokens := NewTokenManager(nil, 0)
	tokens.Set(Token{IdentityID: id.IdentityID, Bearer: "cached", ExpiresAt: time.Now().Add(time.Hour)})

	invalidated := make(chan string, 4)
	w, err := WatchIdentityDir(store, tokens, func(identityID string) { invalidated <- identityID })
	if err != nil {
		t.Fatalf("WatchIdentityDir: %v", err)
	}
	defer w.Close()

	// Another process rewrites the identity file.
	if err := store.Save(id); err != nil {
		t.Fatalf("external rewrite: %v", err)
	}

	select {
	case got := <-invalidated:
		if got != id.IdentityID {
			t.Errorf("invalidated %q, want %q", got, id.IdentityID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("watcher never reacted to the rewrite")
	}
	if st := tokens.State(id.IdentityID); st != TokenStateNone {
		t.Errorf("cached token should have been cleared, state = %s", st)
	}
}

func TestIdentityWatcherIgnoresNonJSONFiles(t *testing.T) {
	store, err := NewIdentityStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewIdentityStore: %v", err)
	}
	tokens := NewTokenManager(nil, 0)
	invalidated := make(chan string, 1)
	w, err := WatchIdentityDir(store, tokens, func(identityID string) { invalidated <- identityID })
	if err != nil {
		t.Fatalf("WatchIdentityDir: %v", err)
	}
	defer w.Close()

	writeJunk(t, store.Dir())

	select {
	case got := <-invalidated:
		t.Errorf("non-identity file triggered invalidation of %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}
