package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"workdeck/pkg/config"
	"workdeck/pkg/events"
	"workdeck/pkg/logx"
	"workdeck/pkg/persistence"
)

// branchPattern restricts branch names to safe git ref characters.
var branchPattern = regexp.MustCompile(`^[A-Za-z0-9_\-/]+$`)

// ErrInvalidBranch indicates a branch name outside the allowed pattern.
var ErrInvalidBranch = errors.New("invalid branch name")

// CreateRequest describes a new workspace.
type CreateRequest struct {
	Branch       string  `json:"branch"`
	ReferenceURL string  `json:"reference_url,omitempty"`
	TaskID       string  `json:"task_id,omitempty"`
	PosX         float64 `json:"pos_x"`
	PosY         float64 `json:"pos_y"`
}

// UpdateRequest carries the mutable workspace fields. Nil means unchanged.
type UpdateRequest struct {
	Status *string  `json:"status,omitempty"`
	PosX   *float64 `json:"pos_x,omitempty"`
	PosY   *float64 `json:"pos_y,omitempty"`
}

// Manager creates and destroys worktree-backed workspaces, each with an
// exclusive port from the configured range.
type Manager struct {
	store  *persistence.Store
	git    GitRunner
	ports  *PortAllocator
	locks  *keyedMutex
	broker *events.Broker
	logger *logx.Logger
	cfg    config.WorkspacesConfig
}

// NewManager wires a workspace manager and rehydrates port reservations
// from existing workspace records.
func NewManager(cfg config.WorkspacesConfig, store *persistence.Store, git GitRunner, broker *events.Broker) (*Manager, error) {
	m := &Manager{
		store:  store,
		git:    git,
		ports:  NewPortAllocator(cfg.PortMin, cfg.PortMax),
		locks:  newKeyedMutex(),
		broker: broker,
		logger: logx.NewLogger("workspace"),
		cfg:    cfg,
	}

	existing, err := store.ListWorkspaces(nil)
	if err != nil {
		return nil, logx.Wrap(err, "failed to load existing workspaces")
	}
	for _, ws := range existing {
		if err := m.ports.Reserve(ws.Port); err != nil {
			m.logger.Warn("Workspace %s holds unreservable port %d: %v", ws.ID, ws.Port, err)
		}
	}
	return m, nil
}

// Create provisions a worktree, assigns a port, and persists the record.
// Partial failures roll back so neither the port nor the directory leaks.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*persistence.Workspace, error) {
	if !branchPattern.MatchString(req.Branch) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBranch, req.Branch)
	}

	port, err := m.allocatePort(ctx)
	if err != nil {
		return nil, err
	}

	id := persistence.GenerateWorkspaceID()
	path := filepath.Join(m.cfg.BaseDir, id)

	if err := addWorktree(ctx, m.git, m.cfg.RepoDir, path, req.Branch); err != nil {
		m.ports.Release(port)
		return nil, logx.Wrap(err, "failed to create worktree for "+req.Branch)
	}

	ws := &persistence.Workspace{
		ID:           id,
		Path:         path,
		Branch:       req.Branch,
		ReferenceURL: req.ReferenceURL,
		TaskID:       req.TaskID,
		Status:       persistence.WorkspaceStatusActive,
		Port:         port,
		PosX:         req.PosX,
		PosY:         req.PosY,
	}
	if err := m.store.CreateWorkspace(ws); err != nil {
		if rmErr := removeWorktree(ctx, m.git, m.cfg.RepoDir, path); rmErr != nil {
			m.logger.Warn("Failed to roll back worktree %s: %v", path, rmErr)
		}
		m.ports.Release(port)
		return nil, logx.Wrap(err, "failed to persist workspace")
	}

	m.logger.Info("Created workspace %s (branch %s, port %d)", id, req.Branch, port)
	m.broker.Publish(events.New(events.KindWorkspaceCreated, events.WorkspacePayload{
		WorkspaceID: id,
		Branch:      req.Branch,
		Port:        port,
	}))
	return ws, nil
}

// allocatePort allocates a port, sweeping orphans and retrying once when
// the range is exhausted.
func (m *Manager) allocatePort(ctx context.Context) (int, error) {
	port, err := m.ports.Allocate()
	if err == nil {
		return port, nil
	}
	if !errors.Is(err, ErrPortsExhausted) {
		return 0, err
	}

	m.logger.Warn("Port range exhausted, sweeping orphaned workspaces")
	if _, sweepErr := m.SweepOrphans(ctx); sweepErr != nil {
		return 0, fmt.Errorf("port allocation failed and sweep errored: %w", sweepErr)
	}
	return m.ports.Allocate()
}

// Get returns a workspace by ID.
func (m *Manager) Get(id string) (*persistence.Workspace, error) {
	return m.store.GetWorkspace(id)
}

// List returns workspaces matching the optional filter.
func (m *Manager) List(filter *persistence.WorkspaceFilter) ([]*persistence.Workspace, error) {
	return m.store.ListWorkspaces(filter)
}

// Update mutates status and canvas position. Moves are broadcast so other
// UI sessions track the canvas.
func (m *Manager) Update(id string, req UpdateRequest) (*persistence.Workspace, error) {
	if req.Status != nil && !persistence.IsValidWorkspaceStatus(*req.Status) {
		return nil, fmt.Errorf("invalid workspace status %q", *req.Status)
	}

	m.locks.lock(id)
	defer m.locks.unlock(id)

	ws, err := m.store.UpdateWorkspace(id, req.Status, req.PosX, req.PosY)
	if err != nil {
		return nil, err
	}

	if req.PosX != nil || req.PosY != nil {
		m.broker.Publish(events.New(events.KindWorkspaceMoved, events.WorkspacePayload{
			WorkspaceID: id,
		}))
	}
	return ws, nil
}

// Delete tears down a workspace: worktree first, then port, then record.
// Deleting an unknown ID returns persistence.ErrNotFound.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.locks.lock(id)
	defer m.locks.unlock(id)

	ws, err := m.store.GetWorkspace(id)
	if err != nil {
		return err
	}

	if err := removeWorktree(ctx, m.git, m.cfg.RepoDir, ws.Path); err != nil {
		// The directory may already be gone; fall back to removing whatever
		// remains so delete stays idempotent at the filesystem level.
		if _, statErr := os.Stat(ws.Path); statErr == nil {
			return logx.Wrap(err, "failed to remove worktree for "+id)
		}
		logx.Debug(ctx, "workspace", "Worktree %s already gone, pruning registration", ws.Path)
		_, _ = m.git.Run(ctx, m.cfg.RepoDir, "worktree", "prune")
	}

	m.ports.Release(ws.Port)
	if err := m.store.DeleteWorkspace(id); err != nil {
		return err
	}

	m.logger.Info("Deleted workspace %s (port %d released)", id, ws.Port)
	m.broker.Publish(events.New(events.KindWorkspaceDeleted, events.WorkspacePayload{
		WorkspaceID: id,
		Branch:      ws.Branch,
		Port:        ws.Port,
	}))
	return nil
}

// SweepOrphans purges records whose worktree directory no longer exists and
// releases their ports. Returns the number of records removed.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	all, err := m.store.ListWorkspaces(nil)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ws := range all {
		if _, statErr := os.Stat(ws.Path); statErr == nil {
			continue
		}

		m.locks.lock(ws.ID)
		if err := m.store.DeleteWorkspace(ws.ID); err != nil {
			m.locks.unlock(ws.ID)
			if errors.Is(err, persistence.ErrNotFound) {
				continue
			}
			return removed, logx.Wrap(err, "failed to purge orphaned workspace "+ws.ID)
		}
		m.ports.Release(ws.Port)
		m.locks.unlock(ws.ID)

		removed++
		m.logger.Info("Purged orphaned workspace %s (missing %s)", ws.ID, ws.Path)
		m.broker.Publish(events.New(events.KindWorkspaceDeleted, events.WorkspacePayload{
			WorkspaceID: ws.ID,
			Branch:      ws.Branch,
			Port:        ws.Port,
		}))
	}

	if removed > 0 {
		_, _ = m.git.Run(ctx, m.cfg.RepoDir, "worktree", "prune")
	}
	return removed, nil
}
