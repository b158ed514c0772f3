// Package mdns implements the discovery half of a transport.Binding by
// browsing the mDNS service NDI senders announce (_ndi._tcp).
package mdns

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

const (
	// DefaultService is the service type NDI senders register.
	DefaultService = "_ndi._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	// evictAfter is the number of consecutive complete rounds a sender may
	// be missing from before it is dropped.
	evictAfter = 2
)

// Browser streams service entries until ctx is cancelled. It owns entries
// and closes it when browsing stops, also when it returns an error. Each
// instance is delivered at most once per call. *zeroconf.Resolver
// satisfies it.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Config configures a Finder.
type Config struct {
	Service string // default _ndi._tcp
	Domain  string // default local.

	// RestartDelay is the pause before re-browsing after a failed browse
	// (default 1s).
	RestartDelay time.Duration
	// RoundInterval is the length of one browse round (default 10s). A
	// sender missing from two consecutive rounds is dropped.
	RoundInterval time.Duration

	// Browser overrides the zeroconf resolver (tests).
	Browser Browser
	Logger  *slog.Logger
}

// Entry is one announced sender.
type Entry struct {
	Name      string // NDI source name, e.g. "STUDIO-PC (Camera 1)"
	Host      string
	Port      int
	Addrs     []string
	FirstSeen time.Time
	LastSeen  time.Time
}

// record is an Entry plus round bookkeeping.
type record struct {
	Entry
	seen   bool // answered in the current round
	misses int  // consecutive complete rounds without an answer
}

// Address returns "host:port" for the first known address, or "".
func (e Entry) Address() string {
	if len(e.Addrs) == 0 || e.Port == 0 {
		return ""
	}
	addr := e.Addrs[0]
	if strings.Contains(addr, ":") {
		addr = "[" + addr + "]"
	}
	return fmt.Sprintf("%s:%d", addr, e.Port)
}

// Finder keeps a live view of announced senders.
//
// Sources are listed in first-seen order, so positions only shift when a
// sender disappears.
//
// The browser reports each instance once per browse, so liveness is not
// tracked through record TTLs. Instead the Finder browses in rounds of
// RoundInterval, each a fresh query every live sender answers, and drops a
// sender after it misses two complete rounds. Goodbyes (TTL 0) remove a
// sender at once.
type Finder struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]*record
	version  uint64
	reported uint64
	changed  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Discoverer = (*Finder)(nil)

// New creates a Finder. Browsing starts in Initialize.
func New(cfg Config) *Finder {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.RoundInterval <= 0 {
		cfg.RoundInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Finder{
		cfg:     cfg,
		logger:  cfg.Logger,
		entries: make(map[string]*record),
		changed: make(chan struct{}),
	}
}

// Initialize creates the resolver and starts browsing in the background.
func (f *Finder) Initialize() error {
	if f.cfg.Browser == nil {
		r, err := zeroconf.NewResolver()
		if err != nil {
			return fmt.Errorf("mdns: create resolver: %w", err)
		}
		f.cfg.Browser = r
	}

	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.wg.Add(1)
	go f.browseLoop()

	f.logger.Info("mdns: browsing", "service", f.cfg.Service, "domain", f.cfg.Domain)
	return nil
}

// DiscoverSources returns the current names. While nothing has been seen
// yet it waits up to timeout for the first announcement.
func (f *Finder) DiscoverSources(ctx context.Context, timeout time.Duration) ([]string, error) {
	f.mu.Lock()
	empty := len(f.entries) == 0
	changed := f.changed
	f.mu.Unlock()

	if empty && timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.names(), nil
}

// WaitForSourceChange blocks until the set of names changed since the last
// call that returned true, or timeout.
func (f *Finder) WaitForSourceChange(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		f.mu.Lock()
		if f.version != f.reported {
			f.reported = f.version
			f.mu.Unlock()
			return true, nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Lookup returns the entry for an announced name.
func (f *Finder) Lookup(name string) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[name]
	if !ok {
		return Entry{}, false
	}
	out := e.Entry
	out.Addrs = slices.Clone(e.Addrs)
	return out, true
}

// Close stops browsing.
func (f *Finder) Close() error {
	if f.cancel == nil {
		return nil
	}
	f.cancel()
	f.wg.Wait()
	return nil
}

func (f *Finder) names() []string {
	f.mu.Lock()
	list := make([]*Entry, 0, len(f.entries))
	for _, e := range f.entries {
		list = append(list, &e.Entry)
	}
	f.mu.Unlock()

	slices.SortFunc(list, func(a, b *Entry) int {
		if c := a.FirstSeen.Compare(b.FirstSeen); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	names := make([]string, len(list))
	for i, e := range list {
		names[i] = e.Name
	}
	return names
}

func (f *Finder) browseLoop() {
	defer f.wg.Done()

	for f.ctx.Err() == nil {
		if f.browseRound() {
			continue
		}
		select {
		case <-f.ctx.Done():
		case <-time.After(f.cfg.RestartDelay):
		}
	}
}

// browseRound runs one browse for RoundInterval and settles the round. It
// returns false when the browse failed or the Finder closed; such a round
// does not count against any sender.
func (f *Finder) browseRound() bool {
	ctx, cancel := context.WithTimeout(f.ctx, f.cfg.RoundInterval)
	defer cancel()

	f.beginRound()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for se := range entries {
			f.apply(se, time.Now())
		}
	}()

	// entries belongs to the browser from here on, error or not
	err := f.cfg.Browser.Browse(ctx, f.cfg.Service, f.cfg.Domain, entries)
	if err != nil {
		f.logger.Warn("mdns: browse failed", "error", err, "retry_in", f.cfg.RestartDelay)
	} else {
		<-ctx.Done()
	}
	cancel()

	select {
	case <-done:
	case <-f.ctx.Done():
		return false
	}
	if err != nil || f.ctx.Err() != nil {
		return false
	}
	f.endRound()
	return true
}

func (f *Finder) beginRound() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		e.seen = false
	}
}

// endRound drops senders that missed evictAfter complete rounds in a row.
func (f *Finder) endRound() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for name, e := range f.entries {
		if e.seen {
			e.misses = 0
			continue
		}
		e.misses++
		if e.misses >= evictAfter {
			delete(f.entries, name)
			f.bumpLocked()
			f.logger.Info("mdns: source gone silent", "source", name, "last_seen", e.LastSeen)
		}
	}
}

// apply merges one announcement. A zero TTL is a goodbye.
func (f *Finder) apply(se *zeroconf.ServiceEntry, now time.Time) {
	if se == nil {
		return
	}
	name := unescapeInstance(se.Instance)
	if name == "" {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if se.TTL == 0 {
		if _, ok := f.entries[name]; ok {
			delete(f.entries, name)
			f.bumpLocked()
			f.logger.Info("mdns: source gone", "source", name)
		}
		return
	}

	addrs := make([]string, 0, len(se.AddrIPv4)+len(se.AddrIPv6))
	for _, ip := range se.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range se.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	if e, ok := f.entries[name]; ok {
		e.Host, e.Port, e.Addrs = se.HostName, se.Port, addrs
		e.LastSeen = now
		e.seen = true
		e.misses = 0
		return
	}
	f.entries[name] = &record{
		Entry: Entry{
			Name:      name,
			Host:      se.HostName,
			Port:      se.Port,
			Addrs:     addrs,
			FirstSeen: now,
			LastSeen:  now,
		},
		seen: true,
	}
	f.bumpLocked()
	f.logger.Info("mdns: source found", "source", name, "host", se.HostName, "port", se.Port)
}

func (f *Finder) bumpLocked() {
	f.version++
	close(f.changed)
	f.changed = make(chan struct{})
}

// unescapeInstance undoes DNS-SD instance escaping ("\ " and "\.").
func unescapeInstance(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}
