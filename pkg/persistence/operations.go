package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned for any id-keyed lookup miss.
var ErrNotFound = errors.New("record not found")

// Store provides typed database operations over a connection.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over the given connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// === Workspaces ===

// CreateWorkspace inserts a workspace record. Zero timestamps are stamped
// with the current time; callers that carry explicit timestamps keep them.
func (s *Store) CreateWorkspace(ws *Workspace) error {
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	if ws.UpdatedAt.IsZero() {
		ws.UpdatedAt = ws.CreatedAt
	}
	query := `
		INSERT INTO workspaces (id, path, branch, port, reference_url, task_id, status, pos_x, pos_y, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		ws.ID, ws.Path, ws.Branch, ws.Port, nullable(ws.ReferenceURL), nullable(ws.TaskID),
		ws.Status, ws.PosX, ws.PosY, ws.CreatedAt, ws.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert workspace %s: %w", ws.ID, err)
	}
	return nil
}

// GetWorkspace returns the workspace with the given id or ErrNotFound.
func (s *Store) GetWorkspace(id string) (*Workspace, error) {
	query := `SELECT id, path, branch, port, reference_url, task_id, status, pos_x, pos_y, created_at, updated_at
		FROM workspaces WHERE id = ?`
	ws, err := scanWorkspace(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace %s: %w", id, err)
	}
	return ws, nil
}

// ListWorkspaces returns workspaces matching the filter, newest first.
func (s *Store) ListWorkspaces(filter *WorkspaceFilter) ([]*Workspace, error) {
	query := `SELECT w.id, w.path, w.branch, w.port, w.reference_url, w.task_id, w.status, w.pos_x, w.pos_y, w.created_at, w.updated_at
		FROM workspaces w`
	var args []interface{}

	if filter != nil && filter.ZoneID != nil {
		query += ` JOIN assignments a ON a.workspace_id = w.id AND a.zone_id = ?`
		args = append(args, *filter.ZoneID)
	}
	if filter != nil && filter.Status != nil {
		query += ` WHERE w.status = ?`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY w.created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workspaces []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace row: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workspace row iteration failed: %w", err)
	}
	return workspaces, nil
}

// UpdateWorkspace updates mutable workspace fields (status and position).
func (s *Store) UpdateWorkspace(id string, status *string, posX, posY *float64) (*Workspace, error) {
	setParts := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}

	if status != nil {
		setParts = append(setParts, "status = ?")
		args = append(args, *status)
	}
	if posX != nil {
		setParts = append(setParts, "pos_x = ?")
		args = append(args, *posX)
	}
	if posY != nil {
		setParts = append(setParts, "pos_y = ?")
		args = append(args, *posY)
	}
	args = append(args, id)

	//nolint:gosec // Safe string concatenation with bounded column names
	query := "UPDATE workspaces SET " + strings.Join(setParts, ", ") + " WHERE id = ?"
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update workspace %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return s.GetWorkspace(id)
}

// DeleteWorkspace removes a workspace record. Assignments cascade.
func (s *Store) DeleteWorkspace(id string) error {
	result, err := s.db.Exec("DELETE FROM workspaces WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return nil
}

// === Zones ===

// CreateZone inserts a zone record. Zero timestamps are stamped with the
// current time.
func (s *Store) CreateZone(z *Zone) error {
	if z.CreatedAt.IsZero() {
		z.CreatedAt = time.Now().UTC()
	}
	if z.UpdatedAt.IsZero() {
		z.UpdatedAt = z.CreatedAt
	}
	agents, err := json.Marshal(z.Agents)
	if err != nil {
		return fmt.Errorf("failed to marshal zone agents: %w", err)
	}

	query := `
		INSERT INTO zones (id, name, description, trigger_kind, agents, prompt_template, actions, error_policy,
			pos_x, pos_y, width, height, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		z.ID, z.Name, nullable(z.Description), z.Trigger, string(agents), nullable(z.PromptTemplate),
		nullable(z.ActionsJSON), z.ErrorPolicy, z.PosX, z.PosY, z.Width, z.Height, z.CreatedAt, z.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert zone %s: %w", z.ID, err)
	}
	return nil
}

// GetZone returns the zone with the given id or ErrNotFound.
func (s *Store) GetZone(id string) (*Zone, error) {
	query := `SELECT id, name, description, trigger_kind, agents, prompt_template, actions, error_policy,
		pos_x, pos_y, width, height, created_at, updated_at FROM zones WHERE id = ?`
	z, err := scanZone(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("zone %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get zone %s: %w", id, err)
	}
	return z, nil
}

// ListZones returns all zones ordered by creation time.
func (s *Store) ListZones() ([]*Zone, error) {
	query := `SELECT id, name, description, trigger_kind, agents, prompt_template, actions, error_policy,
		pos_x, pos_y, width, height, created_at, updated_at FROM zones ORDER BY created_at`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var zones []*Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan zone row: %w", err)
		}
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("zone row iteration failed: %w", err)
	}
	return zones, nil
}

// UpdateZone replaces a zone's mutable fields.
func (s *Store) UpdateZone(z *Zone) error {
	agents, err := json.Marshal(z.Agents)
	if err != nil {
		return fmt.Errorf("failed to marshal zone agents: %w", err)
	}

	query := `UPDATE zones SET name = ?, description = ?, trigger_kind = ?, agents = ?, prompt_template = ?,
		actions = ?, error_policy = ?, pos_x = ?, pos_y = ?, width = ?, height = ?, updated_at = ?
		WHERE id = ?`
	result, err := s.db.Exec(query,
		z.Name, nullable(z.Description), z.Trigger, string(agents), nullable(z.PromptTemplate),
		nullable(z.ActionsJSON), z.ErrorPolicy, z.PosX, z.PosY, z.Width, z.Height, time.Now().UTC(), z.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update zone %s: %w", z.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("zone %s: %w", z.ID, ErrNotFound)
	}
	return nil
}

// DeleteZone removes a zone. Assignments referencing it cascade.
func (s *Store) DeleteZone(id string) error {
	result, err := s.db.Exec("DELETE FROM zones WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete zone %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("zone %s: %w", id, ErrNotFound)
	}
	return nil
}

// === Assignments ===

// UpsertAssignment binds a workspace to a zone, replacing any prior binding.
func (s *Store) UpsertAssignment(workspaceID, zoneID string) error {
	query := `
		INSERT INTO assignments (workspace_id, zone_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			zone_id = excluded.zone_id,
			created_at = excluded.created_at
	`
	_, err := s.db.Exec(query, workspaceID, zoneID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to assign workspace %s to zone %s: %w", workspaceID, zoneID, err)
	}
	return nil
}

// GetAssignment returns the assignment for a workspace or ErrNotFound.
func (s *Store) GetAssignment(workspaceID string) (*Assignment, error) {
	var a Assignment
	err := s.db.QueryRow(
		"SELECT workspace_id, zone_id, created_at FROM assignments WHERE workspace_id = ?",
		workspaceID,
	).Scan(&a.WorkspaceID, &a.ZoneID, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment for workspace %s: %w", workspaceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment for %s: %w", workspaceID, err)
	}
	return &a, nil
}

// ListAssignments returns all workspace-to-zone bindings.
func (s *Store) ListAssignments() ([]*Assignment, error) {
	rows, err := s.db.Query("SELECT workspace_id, zone_id, created_at FROM assignments ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.WorkspaceID, &a.ZoneID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignments = append(assignments, &a)
	}
	return assignments, rows.Err()
}

// DeleteAssignment removes the assignment for a workspace, if any.
func (s *Store) DeleteAssignment(workspaceID string) error {
	if _, err := s.db.Exec("DELETE FROM assignments WHERE workspace_id = ?", workspaceID); err != nil {
		return fmt.Errorf("failed to delete assignment for %s: %w", workspaceID, err)
	}
	return nil
}

// === Executions ===

// RecordExecution appends an immutable execution record. A zero CreatedAt is
// stamped with the current time.
func (s *Store) RecordExecution(e *Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO executions (id, zone_id, workspace_id, outcomes, prompt_excerpt, prompt_tokens, context_fingerprint, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		e.ID, e.ZoneID, e.WorkspaceID, e.OutcomesJSON, nullable(e.PromptExcerpt),
		e.PromptTokens, nullable(e.ContextFingerprint), e.Success, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution %s: %w", e.ID, err)
	}
	return nil
}

// ListExecutions returns up to limit execution records for a zone, newest first.
func (s *Store) ListExecutions(zoneID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, zone_id, workspace_id, outcomes, prompt_excerpt, prompt_tokens, context_fingerprint, success, created_at
		FROM executions WHERE zone_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.Query(query, zoneID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for zone %s: %w", zoneID, err)
	}
	defer func() { _ = rows.Close() }()

	var executions []*Execution
	for rows.Next() {
		var e Execution
		var excerpt, fingerprint sql.NullString
		if err := rows.Scan(&e.ID, &e.ZoneID, &e.WorkspaceID, &e.OutcomesJSON, &excerpt,
			&e.PromptTokens, &fingerprint, &e.Success, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		e.PromptExcerpt = excerpt.String
		e.ContextFingerprint = fingerprint.String
		executions = append(executions, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution row iteration failed: %w", err)
	}
	return executions, nil
}

// === helpers ===

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkspace(row rowScanner) (*Workspace, error) {
	var ws Workspace
	var refURL, taskID sql.NullString
	err := row.Scan(&ws.ID, &ws.Path, &ws.Branch, &ws.Port, &refURL, &taskID,
		&ws.Status, &ws.PosX, &ws.PosY, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ws.ReferenceURL = refURL.String
	ws.TaskID = taskID.String
	return &ws, nil
}

func scanZone(row rowScanner) (*Zone, error) {
	var z Zone
	var description, promptTemplate, actions sql.NullString
	var agents string
	err := row.Scan(&z.ID, &z.Name, &description, &z.Trigger, &agents, &promptTemplate,
		&actions, &z.ErrorPolicy, &z.PosX, &z.PosY, &z.Width, &z.Height, &z.CreatedAt, &z.UpdatedAt)
	if err != nil {
		return nil, err
	}
	z.Description = description.String
	z.PromptTemplate = promptTemplate.String
	z.ActionsJSON = actions.String
	if err := json.Unmarshal([]byte(agents), &z.Agents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal zone agents: %w", err)
	}
	return &z, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
