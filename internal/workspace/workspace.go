// Package workspace is the Workspace Manager (spec.md §4.4): it provisions
// and releases isolated working directories for sessions, either as
// git worktrees on the host or as Docker containers, and enforces the
// resource limits and protected-write patterns that gate writes into
// them.
package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetforge/conductor/internal/common/errs"
	"github.com/fleetforge/conductor/internal/common/logger"
	"github.com/fleetforge/conductor/internal/ids"
)

// Backend identifies which isolation strategy provisions a workspace.
type Backend string

const (
	BackendWorktree  Backend = "worktree"
	BackendContainer Backend = "container"
)

// Limits caps the resources a provisioned workspace may consume.
type Limits struct {
	MemoryBytes int64
	CPUQuota    int64
	DiskBytes   int64
}

// ProvisionRequest describes a workspace to create.
type ProvisionRequest struct {
	SessionID ids.ID
	Backend   Backend

	// Worktree backend fields.
	RepoPath string
	BaseRef  string

	// Container backend fields.
	Image string
	Env   []string

	Limits Limits

	// ResetOnTaskComplete declares that a workspace should be fresh for
	// each task rather than retaining state across a session's lifetime
	// (the default; SPEC_FULL.md §9 Open Question resolution). Manager
	// does not read it: a workspace is only torn down by Release.
	ResetOnTaskComplete bool
}

// Workspace is a provisioned, isolated working directory.
type Workspace struct {
	ID        ids.ID
	SessionID ids.ID
	Backend   Backend
	Path      string // host path (worktree) or mount target (container)
	ProvisionedAt time.Time

	containerID string
	branchName  string
	repoPath    string
}

// WorktreeProvisioner creates and removes git worktrees by shelling out,
// matching kdlbs-kandev's worktree Manager (os/exec + git).
type WorktreeProvisioner interface {
	Create(ctx context.Context, repoPath, baseRef string, id ids.ID) (path, branch string, err error)
	Remove(ctx context.Context, repoPath, path, branch string) error
}

// ContainerProvisioner creates and removes Docker containers, matching
// kdlbs-kandev's agent/docker.Client.
type ContainerProvisioner interface {
	CreateAndStart(ctx context.Context, name, image string, env []string, limits Limits) (containerID string, err error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
}

// Manager provisions and releases workspaces across both backends,
// following kdlbs-kandev's worktree Manager shape: an in-memory registry
// guarded by one RWMutex plus a per-repository lock set to serialize git
// operations against the same repository.
type Manager struct {
	log *logger.Logger

	worktrees  WorktreeProvisioner
	containers ContainerProvisioner

	mu         sync.RWMutex
	workspaces map[ids.ID]*Workspace

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex

	protected *ProtectedPatterns
}

// New constructs a Manager. Either provisioner may be nil if that backend
// is not configured for this deployment.
func New(worktrees WorktreeProvisioner, containers ContainerProvisioner, protected *ProtectedPatterns, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if protected == nil {
		protected = NewProtectedPatterns(nil)
	}
	return &Manager{
		log:        log,
		worktrees:  worktrees,
		containers: containers,
		workspaces: make(map[ids.ID]*Workspace),
		repoLocks:  make(map[string]*sync.Mutex),
		protected:  protected,
	}
}

func (m *Manager) repoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	l, ok := m.repoLocks[repoPath]
	if !ok {
		l = &sync.Mutex{}
		m.repoLocks[repoPath] = l
	}
	return l
}

// Provision creates a new isolated workspace for a session.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (*Workspace, error) {
	id := ids.New()

	switch req.Backend {
	case BackendWorktree:
		if m.worktrees == nil {
			return nil, errs.New(errs.KindWorkspace, "worktree backend not configured")
		}
		lock := m.repoLock(req.RepoPath)
		lock.Lock()
		defer lock.Unlock()

		path, branch, err := m.worktrees.Create(ctx, req.RepoPath, req.BaseRef, id)
		if err != nil {
			return nil, errs.Wrap(errs.KindWorkspace, "create worktree", err)
		}
		ws := &Workspace{
			ID: id, SessionID: req.SessionID, Backend: BackendWorktree,
			Path: path, ProvisionedAt: time.Now(), repoPath: req.RepoPath, branchName: branch,
		}
		m.register(ws)
		m.log.Info("workspace provisioned", zap.String("backend", string(req.Backend)), zap.String("path", path))
		return ws, nil

	case BackendContainer:
		if m.containers == nil {
			return nil, errs.New(errs.KindWorkspace, "container backend not configured")
		}
		name := fmt.Sprintf("conductor-%s", id.String())
		containerID, err := m.containers.CreateAndStart(ctx, name, req.Image, req.Env, req.Limits)
		if err != nil {
			return nil, errs.Wrap(errs.KindWorkspace, "create container", err)
		}
		ws := &Workspace{
			ID: id, SessionID: req.SessionID, Backend: BackendContainer,
			Path: "/workspace", ProvisionedAt: time.Now(), containerID: containerID,
		}
		m.register(ws)
		m.log.Info("workspace provisioned", zap.String("backend", string(req.Backend)), zap.String("container_id", containerID))
		return ws, nil

	default:
		return nil, errs.New(errs.KindConfiguration, "unknown workspace backend: "+string(req.Backend))
	}
}

func (m *Manager) register(ws *Workspace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[ws.ID] = ws
}

// Get returns a provisioned workspace by ID.
func (m *Manager) Get(id ids.ID) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, errs.New(errs.KindWorkspace, "unknown workspace: "+id.String())
	}
	return ws, nil
}

// Release tears down a workspace and removes it from the registry.
func (m *Manager) Release(ctx context.Context, id ids.ID) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.KindWorkspace, "unknown workspace: "+id.String())
	}
	delete(m.workspaces, id)
	m.mu.Unlock()

	switch ws.Backend {
	case BackendWorktree:
		lock := m.repoLock(ws.repoPath)
		lock.Lock()
		defer lock.Unlock()
		if err := m.worktrees.Remove(ctx, ws.repoPath, ws.Path, ws.branchName); err != nil {
			return errs.Wrap(errs.KindWorkspace, "remove worktree", err)
		}
	case BackendContainer:
		if err := m.containers.Stop(ctx, ws.containerID); err != nil {
			m.log.Warn("failed to stop container cleanly", zap.Error(err))
		}
		if err := m.containers.Remove(ctx, ws.containerID); err != nil {
			return errs.Wrap(errs.KindWorkspace, "remove container", err)
		}
	}
	m.log.Info("workspace released", zap.String("workspace_id", id.String()))
	return nil
}

// CheckWrite evaluates whether a write to path is permitted under the
// protected-pattern rules. It is consulted by the
// Auto-Accept Gate before approving a file-modifying action.
func (m *Manager) CheckWrite(path string) error {
	if m.protected.Matches(path) {
		return errs.New(errs.KindWorkspace, "write denied: protected path "+path)
	}
	return nil
}
