package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"workdeck/pkg/config"
	"workdeck/pkg/events"
	"workdeck/pkg/persistence"
)

// fakeGitRunner materializes worktree directories on disk so orphan sweeps
// behave like the real thing.
type fakeGitRunner struct {
	mu       sync.Mutex
	commands []string
	failAdd  bool
}

func (f *fakeGitRunner) Run(_ context.Context, dir string, args ...string) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, strings.Join(args, " "))
	f.mu.Unlock()

	if len(args) >= 2 && args[0] == "worktree" {
		switch args[1] {
		case "add":
			if f.failAdd {
				return "", errors.New("fatal: branch already checked out")
			}
			path := args[len(args)-1]
			if err := os.MkdirAll(path, 0o755); err != nil {
				return "", err
			}
		case "remove":
			path := args[len(args)-1]
			if _, err := os.Stat(path); err != nil {
				return "", fmt.Errorf("fatal: %s is not a working tree", path)
			}
			if err := os.RemoveAll(path); err != nil {
				return "", err
			}
		}
	}
	return "", nil
}

func (f *fakeGitRunner) ranCommand(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.commands {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func createTestManager(t *testing.T) (*Manager, *fakeGitRunner) {
	t.Helper()

	tmpDir := t.TempDir()
	db, err := persistence.InitializeDatabase(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	git := &fakeGitRunner{}
	cfg := config.WorkspacesConfig{
		BaseDir: filepath.Join(tmpDir, "workspaces"),
		RepoDir: filepath.Join(tmpDir, "repo"),
		PortMin: 3001,
		PortMax: 3004,
	}

	broker := events.NewBroker()
	t.Cleanup(broker.Close)

	mgr, err := NewManager(cfg, persistence.NewStore(db), git, broker)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	// Bind probes are irrelevant against a fake git; accept every port.
	mgr.ports.probe = func(int) bool { return true }
	return mgr, git
}

func TestCreateAssignsUniquePorts(t *testing.T) {
	mgr, _ := createTestManager(t)
	ctx := context.Background()

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		ws, err := mgr.Create(ctx, CreateRequest{Branch: fmt.Sprintf("feature/task-%d", i)})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if seen[ws.Port] {
			t.Errorf("port %d assigned twice", ws.Port)
		}
		seen[ws.Port] = true
		if ws.Status != persistence.WorkspaceStatusActive {
			t.Errorf("expected active status, got %s", ws.Status)
		}
		if _, err := os.Stat(ws.Path); err != nil {
			t.Errorf("expected worktree directory at %s", ws.Path)
		}
	}
}

func TestCreateSetsTimestamps(t *testing.T) {
	mgr, _ := createTestManager(t)

	ws, err := mgr.Create(context.Background(), CreateRequest{Branch: "feature/dated"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if ws.CreatedAt.IsZero() || ws.UpdatedAt.IsZero() {
		t.Errorf("expected timestamps set on create, got created=%v updated=%v", ws.CreatedAt, ws.UpdatedAt)
	}

	stored, err := mgr.Get(ws.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.CreatedAt.IsZero() || stored.UpdatedAt.IsZero() {
		t.Errorf("expected persisted timestamps, got created=%v updated=%v", stored.CreatedAt, stored.UpdatedAt)
	}
}

func TestCreateRejectsInvalidBranch(t *testing.T) {
	mgr, _ := createTestManager(t)

	for _, branch := range []string{"", "bad branch", "feat;rm -rf", "über"} {
		if _, err := mgr.Create(context.Background(), CreateRequest{Branch: branch}); !errors.Is(err, ErrInvalidBranch) {
			t.Errorf("branch %q: expected ErrInvalidBranch, got %v", branch, err)
		}
	}
}

func TestCreateReleasesPortOnWorktreeFailure(t *testing.T) {
	mgr, git := createTestManager(t)
	git.failAdd = true

	if _, err := mgr.Create(context.Background(), CreateRequest{Branch: "feature/doomed"}); err == nil {
		t.Fatal("expected create to fail")
	}
	if mgr.ports.InUse() != 0 {
		t.Errorf("expected port released after failed create, %d still held", mgr.ports.InUse())
	}
}

func TestDeleteTearsDownAndReleasesPort(t *testing.T) {
	mgr, _ := createTestManager(t)
	ctx := context.Background()

	ws, err := mgr.Create(ctx, CreateRequest{Branch: "feature/short-lived"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := mgr.Delete(ctx, ws.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("expected worktree directory removed")
	}
	if mgr.ports.InUse() != 0 {
		t.Error("expected port released after delete")
	}

	// Second delete reports the missing record.
	if err := mgr.Delete(ctx, ws.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDeleteSurvivesMissingWorktree(t *testing.T) {
	mgr, git := createTestManager(t)
	ctx := context.Background()

	ws, err := mgr.Create(ctx, CreateRequest{Branch: "feature/vanishing"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Someone removed the directory behind our back.
	if err := os.RemoveAll(ws.Path); err != nil {
		t.Fatalf("failed to remove worktree dir: %v", err)
	}

	if err := mgr.Delete(ctx, ws.ID); err != nil {
		t.Fatalf("Delete should tolerate missing worktree: %v", err)
	}
	if !git.ranCommand("worktree prune") {
		t.Error("expected worktree prune after missing-directory delete")
	}
}

func TestSweepOrphans(t *testing.T) {
	mgr, _ := createTestManager(t)
	ctx := context.Background()

	kept, err := mgr.Create(ctx, CreateRequest{Branch: "feature/kept"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	orphan, err := mgr.Create(ctx, CreateRequest{Branch: "feature/orphan"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := os.RemoveAll(orphan.Path); err != nil {
		t.Fatalf("failed to orphan workspace: %v", err)
	}

	removed, err := mgr.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("SweepOrphans failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 orphan removed, got %d", removed)
	}

	if _, err := mgr.Get(orphan.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("expected orphan record purged, got %v", err)
	}
	if _, err := mgr.Get(kept.ID); err != nil {
		t.Errorf("expected kept workspace to survive sweep: %v", err)
	}
	if mgr.ports.InUse() != 1 {
		t.Errorf("expected orphan port released, %d in use", mgr.ports.InUse())
	}
}

func TestExhaustionTriggersSweep(t *testing.T) {
	mgr, _ := createTestManager(t)
	ctx := context.Background()

	// Fill the 4-port range.
	var last *persistence.Workspace
	for i := 0; i < 4; i++ {
		ws, err := mgr.Create(ctx, CreateRequest{Branch: fmt.Sprintf("feature/fill-%d", i)})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		last = ws
	}

	// Orphan one, then create again: the allocator should sweep and reuse.
	if err := os.RemoveAll(last.Path); err != nil {
		t.Fatalf("failed to orphan workspace: %v", err)
	}
	ws, err := mgr.Create(ctx, CreateRequest{Branch: "feature/after-sweep"})
	if err != nil {
		t.Fatalf("expected create to succeed after auto-sweep: %v", err)
	}
	if ws.Port != last.Port {
		t.Errorf("expected reclaimed port %d, got %d", last.Port, ws.Port)
	}

	// With no orphans left, exhaustion is a hard failure.
	if _, err := mgr.Create(ctx, CreateRequest{Branch: "feature/no-room"}); !errors.Is(err, ErrPortsExhausted) {
		t.Errorf("expected ErrPortsExhausted with full range, got %v", err)
	}
}

func TestUpdateStatusAndPosition(t *testing.T) {
	mgr, _ := createTestManager(t)
	ctx := context.Background()

	ws, err := mgr.Create(ctx, CreateRequest{Branch: "feature/mobile"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	paused := persistence.WorkspaceStatusPaused
	x, y := 120.5, 80.0
	updated, err := mgr.Update(ws.ID, UpdateRequest{Status: &paused, PosX: &x, PosY: &y})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Status != paused || updated.PosX != x || updated.PosY != y {
		t.Errorf("unexpected update result: %+v", updated)
	}

	bogus := "hibernating"
	if _, err := mgr.Update(ws.ID, UpdateRequest{Status: &bogus}); err == nil {
		t.Error("expected invalid status to be rejected")
	}
}

func TestPortAllocatorSkipsUnbindablePorts(t *testing.T) {
	alloc := NewPortAllocator(4001, 4003)
	alloc.probe = func(port int) bool { return port != 4001 }

	port, err := alloc.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != 4002 {
		t.Errorf("expected bind-probe to skip 4001, got %d", port)
	}
}

func TestPortAllocatorReserve(t *testing.T) {
	alloc := NewPortAllocator(4001, 4003)
	alloc.probe = func(int) bool { return true }

	if err := alloc.Reserve(4002); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := alloc.Reserve(4002); err == nil {
		t.Error("expected duplicate Reserve to fail")
	}
	if err := alloc.Reserve(5000); err == nil {
		t.Error("expected out-of-range Reserve to fail")
	}

	first, err := alloc.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if first != 4001 {
		t.Errorf("expected 4001 (4002 reserved), got %d", first)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()

	km.lock("a")
	done := make(chan struct{})
	go func() {
		km.lock("a")
		km.unlock("a")
		close(done)
	}()

	// Different key proceeds while "a" is held.
	km.lock("b")
	km.unlock("b")

	select {
	case <-done:
		t.Fatal("second lock on same key should block")
	default:
	}

	km.unlock("a")
	<-done

	km.mu.Lock()
	remaining := len(km.locks)
	km.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected idle lock entries removed, %d remain", remaining)
	}
}
