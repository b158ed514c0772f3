// Package registry holds the most recent list of discovered sources.
//
// Snapshots are immutable and replaced wholesale, so a reader on the
// foreground tick never sees a half-updated list while the discovery worker
// refreshes it.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// Discoverer is the subset of transport.Binding the registry needs.
type Discoverer interface {
	DiscoverSources(ctx context.Context, timeout time.Duration) ([]string, error)
}

// Snapshot is one immutable view of the visible sources.
//
// Indices are positional within Names and only meaningful for the Epoch
// they were taken from.
type Snapshot struct {
	Names   []string
	Epoch   uint64
	TakenAt time.Time
}

// Count returns the number of sources in the snapshot.
func (s Snapshot) Count() int {
	return len(s.Names)
}

// Name returns the source at index i.
func (s Snapshot) Name(i int) (string, bool) {
	if i < 0 || i >= len(s.Names) {
		return "", false
	}
	return s.Names[i], true
}

// FindIndex returns the first source whose name contains fragment.
// Matching is case-sensitive; an empty fragment matches nothing.
func (s Snapshot) FindIndex(fragment string) (int, bool) {
	if fragment == "" {
		return -1, false
	}
	for i, name := range s.Names {
		if strings.Contains(name, fragment) {
			return i, true
		}
	}
	return -1, false
}

// IndexOf returns the index of the source named exactly name.
func (s Snapshot) IndexOf(name string) (int, bool) {
	if name == "" {
		return -1, false
	}
	i := slices.Index(s.Names, name)
	return i, i >= 0
}

// Registry is the SourceRegistry. Refresh is called by the discovery worker;
// every other method is safe from any goroutine and never blocks.
type Registry struct {
	disc    Discoverer
	timeout time.Duration
	logger  *slog.Logger

	current atomic.Pointer[Snapshot]
	errors  atomic.Uint64
}

// New creates an empty registry. timeout bounds each DiscoverSources call.
func New(disc Discoverer, timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		disc:    disc,
		timeout: timeout,
		logger:  logger,
	}
	r.current.Store(&Snapshot{})
	return r
}

// Refresh asks the transport for the visible sources and publishes a new
// snapshot.
//
// Behavior:
//   - Empty names are dropped; order is otherwise kept as discovered
//   - Epoch advances only when the list actually changed
//   - On discovery error the previous snapshot stays and is returned
func (r *Registry) Refresh(ctx context.Context) Snapshot {
	prev := r.current.Load()

	names, err := r.disc.DiscoverSources(ctx, r.timeout)
	if err != nil {
		r.errors.Add(1)
		if ctx.Err() == nil {
			r.logger.Warn("registry: discovery failed, keeping previous sources",
				"error", err,
				"sources", prev.Count(),
				"epoch", prev.Epoch,
			)
		}
		return *prev
	}

	names = slices.DeleteFunc(slices.Clone(names), func(n string) bool { return n == "" })

	next := &Snapshot{
		Names:   names,
		Epoch:   prev.Epoch,
		TakenAt: time.Now(),
	}
	if !slices.Equal(prev.Names, names) {
		next.Epoch++
		r.logger.Debug("registry: sources changed",
			"count", len(names),
			"epoch", next.Epoch,
			"sources", names,
		)
	}
	r.current.Store(next)
	return *next
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() Snapshot {
	return *r.current.Load()
}

// Count returns the number of currently known sources.
func (r *Registry) Count() int {
	return r.current.Load().Count()
}

// Name returns the name at index i of the current snapshot.
func (r *Registry) Name(i int) (string, bool) {
	return r.current.Load().Name(i)
}

// FindIndex resolves fragment against the current snapshot.
func (r *Registry) FindIndex(fragment string) (int, bool) {
	return r.current.Load().FindIndex(fragment)
}

// Errors returns how many refreshes failed.
func (r *Registry) Errors() uint64 {
	return r.errors.Load()
}
