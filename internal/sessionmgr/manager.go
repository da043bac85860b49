// Package sessionmgr is the Session Manager (spec.md §4.3): a registry
// mapping human-assigned names to session IDs and brokering lifecycle
// operations against the underlying internal/session.Session instances.
package sessionmgr

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fleetforge/conductor/internal/common/errs"
	"github.com/fleetforge/conductor/internal/common/logger"
	"github.com/fleetforge/conductor/internal/ids"
	"github.com/fleetforge/conductor/internal/session"
)

// entry is one registered session and its manager-level metadata.
type entry struct {
	sess       *session.Session
	name       string
	autoAccept bool
	background bool
}

// Manager is the single source of truth for which sessions exist and what
// they are named, following kdlbs-kandev's worktree Manager shape
// (map[string]*Worktree guarded by one RWMutex, CRUD-style methods).
type Manager struct {
	mu     sync.RWMutex
	byID   map[ids.ID]*entry
	byName map[string]ids.ID
	order  []ids.ID // creation order, used by List to terminate newest-first
	log    *logger.Logger
}

// New constructs an empty Manager.
func New(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		byID:   make(map[ids.ID]*entry),
		byName: make(map[string]ids.ID),
		log:    log,
	}
}

// Create atomically allocates a session ID, starts the backing process,
// and registers it under name. name must be unique among live sessions.
func (m *Manager) Create(ctx context.Context, name string, cfg session.Config) (ids.ID, error) {
	m.mu.Lock()
	if _, exists := m.byName[name]; exists {
		m.mu.Unlock()
		return ids.Nil, errs.New(errs.KindSessionLifecycle, "session name already in use: "+name)
	}
	id := ids.New()
	sess := session.New(id, cfg, m.log)
	m.byID[id] = &entry{sess: sess, name: name}
	m.byName[name] = id
	m.order = append(m.order, id)
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.byID, id)
		delete(m.byName, name)
		m.removeFromOrder(id)
		m.mu.Unlock()
		return ids.Nil, err
	}

	m.log.Info("session registered", zap.String("name", name), zap.String("session_id", id.String()))
	return id, nil
}

// RegisterForTest inserts a background-flagged entry without spawning a
// backing process, for exercising background-mode gate behavior without
// the cost of a real PTY session.
func (m *Manager) RegisterForTest(id ids.ID, background bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id] = &entry{background: background}
	m.order = append(m.order, id)
}

// removeFromOrder drops id from the creation-order slice. Callers must
// hold m.mu.
func (m *Manager) removeFromOrder(id ids.ID) {
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Manager) lookup(id ids.ID) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, errs.New(errs.KindSessionLifecycle, "unknown session: "+id.String())
	}
	return e, nil
}

// Resolve returns the session ID registered under name.
func (m *Manager) Resolve(name string) (ids.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return ids.Nil, errs.New(errs.KindSessionLifecycle, "unknown session name: "+name)
	}
	return id, nil
}

// Get returns the underlying Session for direct I/O operations
// (SendInput/ReadOutput/CleanedOutput), which the manager does not
// otherwise wrap.
func (m *Manager) Get(id ids.ID) (*session.Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.sess, nil
}

func (m *Manager) Pause(ctx context.Context, id ids.ID) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.sess.Pause(ctx)
}

func (m *Manager) Resume(id ids.ID) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.sess.Resume()
}

func (m *Manager) Detach(id ids.ID) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.sess.Detach()
}

func (m *Manager) Attach(id ids.ID) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.sess.Attach()
}

// EnableAutoAccept sets the session's manager-level auto-accept flag,
// reported by AutoAcceptEnabled. Orchestrator.EvaluateApproval does not
// read this flag.
func (m *Manager) EnableAutoAccept(id ids.ID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return errs.New(errs.KindSessionLifecycle, "unknown session: "+id.String())
	}
	e.autoAccept = enabled
	return nil
}

// AutoAcceptEnabled reports whether the session has auto-accept on.
func (m *Manager) AutoAcceptEnabled(id ids.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	return ok && e.autoAccept
}

// SetBackground marks a session as running in background mode. Per
// spec.md §9's Open Question resolution, background mode is the safer
// posture: the orchestrator downgrades any AutoApprove verdict for a
// background session to RequireHuman rather than letting it bypass the
// Auto-Accept Gate (see Orchestrator.EvaluateApproval).
func (m *Manager) SetBackground(id ids.ID, background bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return errs.New(errs.KindSessionLifecycle, "unknown session: "+id.String())
	}
	e.background = background
	return nil
}

func (m *Manager) IsBackground(id ids.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	return ok && e.background
}

// Terminate stops the session and removes it from the registry.
func (m *Manager) Terminate(id ids.ID) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	var termErr error
	if e.sess != nil {
		termErr = e.sess.Terminate()
	}

	m.mu.Lock()
	delete(m.byID, id)
	delete(m.byName, e.name)
	m.removeFromOrder(id)
	m.mu.Unlock()

	return termErr
}

// Remove unregisters a session without terminating it, for callers that
// already terminated it directly via the Session handle. Per spec.md
// §4.3, remove is only legal once the session has actually reached
// Terminated; an entry registered via RegisterForTest (no backing
// session) is always removable since there is nothing to have
// terminated.
func (m *Manager) Remove(id ids.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return errs.New(errs.KindSessionLifecycle, "unknown session: "+id.String())
	}
	if e.sess != nil && e.sess.Status() != session.StatusTerminated {
		return errs.New(errs.KindSessionLifecycle, "session not terminated: "+id.String())
	}
	delete(m.byID, id)
	delete(m.byName, e.name)
	m.removeFromOrder(id)
	return nil
}

// List returns the IDs of all currently registered sessions in reverse
// creation order (newest first), so callers that tear sessions down in
// list order terminate the most recently created session first per
// spec.md §4.10's shutdown sequencing.
func (m *Manager) List() []ids.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ids.ID, len(m.order))
	for i, id := range m.order {
		out[len(m.order)-1-i] = id
	}
	return out
}
