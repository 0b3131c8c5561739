package lsproc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/vtlsp/bridge/internal/eventlog"
)

// SpecFunc builds the Spec for a newly created session; it is supplied by
// the caller (e.g. the WSServer), which knows how to lay out a session's
// real-namespace temp directory.
type SpecFunc func(sessionID string) (Spec, error)

// Manager implements spec.md §4.11: session-id -> LSProc with a bounded
// pool and oldest-first eviction when the pool is full.
type Manager struct {
	log       *eventlog.Logger
	specFunc  SpecFunc
	maxProcs  int
	sem       *semaphore.Weighted // bounds concurrent spawns when maxProcs > 0
	onProcExit func(sessionID string, code int, signal string)

	mu    sync.Mutex
	procs map[string]*LSProc
}

// NewManager constructs a Manager. maxProcs <= 0 means unbounded, per
// spec.md §4.11.
func NewManager(log *eventlog.Logger, maxProcs int, specFunc SpecFunc) *Manager {
	m := &Manager{
		log:      log,
		specFunc: specFunc,
		maxProcs: maxProcs,
		procs:    make(map[string]*LSProc),
	}
	if maxProcs > 0 {
		m.sem = semaphore.NewWeighted(int64(maxProcs))
	}
	return m
}

// OnProcExit registers the callback fired when any managed process exits
// on its own (not via ReleaseProc), so the owning WSServer can close that
// session (spec.md §4.11).
func (m *Manager) OnProcExit(cb func(sessionID string, code int, signal string)) {
	m.onProcExit = cb
}

// GetOrCreateProc returns the existing LSProc for sessionID if alive, else
// spawns one, evicting the oldest process first if the pool is full
// (spec.md §4.11, scenario 5).
func (m *Manager) GetOrCreateProc(ctx context.Context, sessionID string) (*LSProc, error) {
	m.mu.Lock()
	if p, ok := m.procs[sessionID]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("lsproc: acquiring spawn slot: %w", err)
		}
		defer m.sem.Release(1)
		if m.atCapacity() {
			if err := m.evictOldest(); err != nil {
				return nil, err
			}
		}
	}

	spec, err := m.specFunc(sessionID)
	if err != nil {
		return nil, fmt.Errorf("lsproc: building spec for %s: %w", sessionID, err)
	}

	proc := New(m.log.With(eventlog.String("session", sessionID)), spec)
	proc.OnExit(func(code int, signal string) {
		m.mu.Lock()
		delete(m.procs, sessionID)
		m.mu.Unlock()
		if m.onProcExit != nil {
			m.onProcExit(sessionID, code, signal)
		}
	})

	if err := proc.Spawn(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Double-check: a concurrent caller may have created this session
	// while we were spawning; prefer the one already registered.
	if existing, ok := m.procs[sessionID]; ok {
		m.mu.Unlock()
		proc.Kill()
		return existing, nil
	}
	m.procs[sessionID] = proc
	m.mu.Unlock()

	return proc, nil
}

func (m *Manager) atCapacity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs) >= m.maxProcs
}

// evictOldest kills the LSProc with the smallest SpawnedAt, never the
// newly requested session (spec.md §4.11: "evict the oldest by spawnedAt
// (not the requested one)").
func (m *Manager) evictOldest() error {
	m.mu.Lock()
	if len(m.procs) == 0 {
		m.mu.Unlock()
		return nil
	}
	type entry struct {
		id   string
		proc *LSProc
	}
	entries := make([]entry, 0, len(m.procs))
	for id, p := range m.procs {
		entries = append(entries, entry{id, p})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].proc.SpawnedAt().Before(entries[j].proc.SpawnedAt())
	})
	victim := entries[0]
	delete(m.procs, victim.id)
	m.mu.Unlock()

	m.log.Info("evicting session for pool capacity", eventlog.String("session", victim.id))
	if err := victim.proc.Kill(); err != nil {
		return fmt.Errorf("lsproc: evicting %s: %w", victim.id, err)
	}
	if m.onProcExit != nil {
		m.onProcExit(victim.id, -1, "evicted")
	}
	return nil
}

// ReleaseProc kills and removes sessionID's process, if any (spec.md §4.11).
func (m *Manager) ReleaseProc(sessionID string) error {
	m.mu.Lock()
	p, ok := m.procs[sessionID]
	if ok {
		delete(m.procs, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Kill()
}

// Lookup returns the current process for sessionID, if any, without
// creating one.
func (m *Manager) Lookup(sessionID string) (*LSProc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[sessionID]
	return p, ok
}

// Len reports the number of currently managed processes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}
