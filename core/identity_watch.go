package core

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// IdentityWatcher watches an identity store's directory for identity
// files written or created by another process and invalidates the
// in-memory token of the identity each file holds, so a CLI and a
// long-lived daemon sharing one identity directory never act on a token
// another process has rotated out from under them. A removed file can no
// longer be loaded, so its identity is not matched and no token is
// invalidated for it. The watcher only ever *invalidates*; the next
// authenticated operation re-loads or re-authenticates as usual.
type IdentityWatcher struct {
	store   *IdentityStore
	tokens  *TokenManager
	watcher *fsnotify.Watcher
	done    chan struct{}

	// onInvalidate, when set, is called (after the token is cleared)
	// with the identity id of each invalidated entry.
	onInvalidate func(identityID string)
}

// WatchIdentityDir starts watching store's directory, clearing tokens
// from tokens for any identity whose file is written or created on disk
// and can then be loaded. Close must be
// called to release the underlying inotify/kqueue handle.
func WatchIdentityDir(store *IdentityStore, tokens *TokenManager, onInvalidate func(identityID string)) (*IdentityWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, WrapError(ErrConfig, "create identity watcher", err)
	}
	if err := fw.Add(store.Dir()); err != nil {
		_ = fw.Close()
		return nil, WrapError(ErrConfig, "watch identity directory", err)
	}
	w := &IdentityWatcher{store: store, tokens: tokens, watcher: fw, done: make(chan struct{}), onInvalidate: onInvalidate}
	go w.loop()
	return w, nil
}

func (w *IdentityWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.handle(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			packageLogger.WithError(err).Warn("identity directory watcher error")
		}
	}
}

func (w *IdentityWatcher) handle(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return
	}
	name := strings.TrimSuffix(base, ".json")
	id, err := w.store.Load(name)
	if err != nil {
		// Removed or unreadable mid-write; without the file we cannot
		// recover the identity id, so nothing cached can be matched.
		packageLogger.WithField("identity", name).Debug("identity file changed but is unreadable, skipping invalidation")
		return
	}
	w.tokens.Clear(id.IdentityID)
	packageLogger.WithField("identity_id", id.IdentityID).Info("identity file rewritten externally, cached token invalidated")
	if w.onInvalidate != nil {
		w.onInvalidate(id.IdentityID)
	}
}

// Close stops the watcher and waits for its loop to exit.
func (w *IdentityWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
