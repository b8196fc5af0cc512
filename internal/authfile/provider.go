// Package authfile is a remote auth provider backed by a session token
// file. The file holds one HS256 JWT; writing it signs the device in and
// removing it signs out. The file's directory is watched with fsnotify so
// changes from other processes reach subscribers as auth events.
package authfile

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/habitsync/internal/eventsrc"
	"github.com/roach88/habitsync/internal/identity"
)

// Provider implements identity.AuthProvider over a token file.
type Provider struct {
	path   string
	verify VerifyConfig

	events  *eventsrc.Source[*identity.Identity]
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current *identity.Identity

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ identity.AuthProvider = (*Provider)(nil)

// Open reads the token file once and starts watching it. The initial state
// is replayed to every subscriber, so Subscribe always fires at least once.
// An unreadable or invalid token at open counts as signed out.
func Open(path string, cfg VerifyConfig) (*Provider, error) {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch token file: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch token file: %w", err)
	}

	p := &Provider{
		path:    path,
		verify:  cfg,
		events:  eventsrc.New[*identity.Identity]("authfile", eventsrc.WithReplay(), eventsrc.WithSingleSubscriber()),
		watcher: watcher,
		done:    make(chan struct{}),
	}

	initial, err := readTokenFile(path, cfg)
	if err != nil {
		slog.Warn("session token rejected", "path", path, "error", err)
		initial = nil
	}
	p.current = initial
	p.events.Publish(initial)

	p.wg.Add(1)
	go p.watch()
	return p, nil
}

// Subscribe implements identity.AuthProvider.
func (p *Provider) Subscribe(handler func(*identity.Identity)) func() {
	return p.events.Subscribe(handler)
}

// Current returns the last identity published.
func (p *Provider) Current() *identity.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Close stops the watcher. Subscribers receive no further events.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.watcher.Close()
		p.wg.Wait()
	})
	return err
}

func (p *Provider) watch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			p.reload()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("token file watcher error", "path", p.path, "error", err)
		}
	}
}

// reload re-reads the token file and publishes when the identity changed.
// A token that fails verification keeps the previous state.
func (p *Provider) reload() {
	next, err := readTokenFile(p.path, p.verify)
	if err != nil {
		slog.Warn("session token rejected, keeping current session", "path", p.path, "error", err)
		return
	}

	p.mu.Lock()
	prev := p.current
	changed := !identity.Same(prev, next)
	if changed {
		p.current = next
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("session changed", "from", prev.String(), "to", next.String())
	p.events.Publish(next)
}
