package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StaticEntry maps one bearer token to an identity. Used by the file-backed
// development authenticator.
type StaticEntry struct {
	Token   string   `json:"token"`
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes,omitempty"`
}

// StaticAuthenticator validates bearer tokens against a fixed in-memory set.
// Intended for development and tests; production deployments should use
// NewJWTFromDiscovery.
type StaticAuthenticator struct {
	mu      sync.RWMutex
	byToken map[string]*Identity

	watcher *fsnotify.Watcher
	log     *slog.Logger
}

var _ Authenticator = (*StaticAuthenticator)(nil)

// NewStatic builds an authenticator from explicit entries.
func NewStatic(entries ...StaticEntry) *StaticAuthenticator {
	a := &StaticAuthenticator{byToken: make(map[string]*Identity), log: slog.Default()}
	a.replace(entries)
	return a
}

// NewStaticFromFile loads entries from a JSON file (an array of StaticEntry)
// and reloads them whenever the file changes on disk.
func NewStaticFromFile(path string, log *slog.Logger) (*StaticAuthenticator, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &StaticAuthenticator{byToken: make(map[string]*Identity), log: log}
	if err := a.loadFile(path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	a.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if err := a.loadFile(path); err != nil {
						log.Error("static auth reload failed", slog.String("path", path), slog.String("err", err.Error()))
					} else {
						log.Info("static auth reloaded", slog.String("path", path))
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("static auth watcher error", slog.String("err", err.Error()))
			}
		}
	}()

	return a, nil
}

// Close stops the file watcher, if any.
func (a *StaticAuthenticator) Close() error {
	if a.watcher != nil {
		return a.watcher.Close()
	}
	return nil
}

func (a *StaticAuthenticator) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var entries []StaticEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	a.replace(entries)
	return nil
}

func (a *StaticAuthenticator) replace(entries []StaticEntry) {
	next := make(map[string]*Identity, len(entries))
	for _, e := range entries {
		if e.Token == "" || e.Subject == "" {
			continue
		}
		next[e.Token] = &Identity{Subject: e.Subject, Scopes: append([]string(nil), e.Scopes...)}
	}
	a.mu.Lock()
	a.byToken = next
	a.mu.Unlock()
}

func (a *StaticAuthenticator) CheckAuthentication(_ context.Context, tok string) (*Identity, error) {
	a.mu.RLock()
	id, ok := a.byToken[tok]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrUnauthorized
	}
	return id, nil
}
