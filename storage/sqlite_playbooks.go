package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orthrus/core"
	"orthrus/soar"
)

// CreatePlaybook inserts version 1 of a new playbook.
func (s *SQLiteStore) CreatePlaybook(ctx context.Context, pb *soar.Playbook) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM playbooks WHERE id = ?`, pb.ID).Scan(&count); err != nil {
			return fmt.Errorf("check playbook existence: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("playbook %q: %w", pb.ID, ErrAlreadyExists)
		}
		pb.Version = 1
		now := time.Now().UTC()
		pb.CreatedAt = now
		pb.UpdatedAt = now
		return s.insertPlaybookVersion(ctx, tx, pb)
	})
}

// UpdatePlaybook inserts a new version of an existing playbook. Earlier
// versions are kept so in-flight executions stay pinned to what they
// started with.
func (s *SQLiteStore) UpdatePlaybook(ctx context.Context, pb *soar.Playbook) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		var latest int
		var createdAt string
		err := tx.QueryRowContext(ctx,
			`SELECT version, created_at FROM playbooks WHERE id = ? ORDER BY version DESC LIMIT 1`,
			pb.ID).Scan(&latest, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("playbook %q: %w", pb.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load latest playbook version: %w", err)
		}
		pb.Version = latest + 1
		if created, perr := parseTime(createdAt); perr == nil {
			pb.CreatedAt = created
		}
		pb.UpdatedAt = time.Now().UTC()
		return s.insertPlaybookVersion(ctx, tx, pb)
	})
}

func (s *SQLiteStore) insertPlaybookVersion(ctx context.Context, tx *sql.Tx, pb *soar.Playbook) error {
	definition, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("marshal playbook definition: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO playbooks (id, version, organization_id, enabled, priority, trigger_type, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pb.ID, pb.Version, pb.OrganizationID, boolToInt(pb.Enabled), pb.Priority,
		string(pb.Trigger.Type), string(definition), formatTime(pb.CreatedAt), formatTime(pb.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert playbook version: %w", err)
	}
	return nil
}

// GetPlaybook returns the latest version of a playbook.
func (s *SQLiteStore) GetPlaybook(ctx context.Context, id string) (*soar.Playbook, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT definition FROM playbooks WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	return scanPlaybook(row, id)
}

// GetPlaybookVersion returns a specific pinned version.
func (s *SQLiteStore) GetPlaybookVersion(ctx context.Context, id string, version int) (*soar.Playbook, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT definition FROM playbooks WHERE id = ? AND version = ?`, id, version)
	return scanPlaybook(row, id)
}

func scanPlaybook(row *sql.Row, id string) (*soar.Playbook, error) {
	var definition string
	if err := row.Scan(&definition); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("playbook %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("scan playbook: %w", err)
	}
	var pb soar.Playbook
	if err := json.Unmarshal([]byte(definition), &pb); err != nil {
		return nil, fmt.Errorf("unmarshal playbook %q: %w", id, err)
	}
	return &pb, nil
}

// ListPlaybooks returns the latest version of every playbook in an org.
// An empty org id lists across all organizations.
func (s *SQLiteStore) ListPlaybooks(ctx context.Context, organizationID string) ([]*soar.Playbook, error) {
	return s.listPlaybooks(ctx, organizationID, false)
}

// ListEnabledPlaybooks returns only enabled playbooks, latest versions.
func (s *SQLiteStore) ListEnabledPlaybooks(ctx context.Context, organizationID string) ([]*soar.Playbook, error) {
	return s.listPlaybooks(ctx, organizationID, true)
}

func (s *SQLiteStore) listPlaybooks(ctx context.Context, organizationID string, enabledOnly bool) ([]*soar.Playbook, error) {
	query := `SELECT p.definition FROM playbooks p
		JOIN (SELECT id, MAX(version) AS version FROM playbooks GROUP BY id) latest
		ON p.id = latest.id AND p.version = latest.version`
	var args []interface{}
	where := ""
	if organizationID != "" {
		where = " WHERE p.organization_id = ?"
		args = append(args, organizationID)
	}
	if enabledOnly {
		if where == "" {
			where = " WHERE p.enabled = 1"
		} else {
			where += " AND p.enabled = 1"
		}
	}
	rows, err := s.readDB.QueryContext(ctx, query+where+" ORDER BY p.id", args...)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	var out []*soar.Playbook
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("scan playbook row: %w", err)
		}
		var pb soar.Playbook
		if err := json.Unmarshal([]byte(definition), &pb); err != nil {
			return nil, fmt.Errorf("unmarshal playbook: %w", err)
		}
		out = append(out, &pb)
	}
	return out, rows.Err()
}

// SetPlaybookEnabled flips the enabled flag on every version of a
// playbook. A new version is not minted: enablement is operational
// state, not part of the definition's history.
func (s *SQLiteStore) SetPlaybookEnabled(ctx context.Context, id string, enabled bool) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE playbooks SET enabled = ?, updated_at = ?,
			 definition = json_set(definition, '$.enabled', json(?))
			 WHERE id = ?`,
			boolToInt(enabled), formatTime(time.Now()), jsonBool(enabled), id)
		if err != nil {
			return fmt.Errorf("set playbook enabled: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("playbook %q: %w", id, ErrNotFound)
		}
		return nil
	})
}

// DeletePlaybook removes all versions of a playbook. Execution rows
// are kept; an execution whose pinned version is gone fails at dispatch
// instead of running a definition that no longer exists.
func (s *SQLiteStore) DeletePlaybook(ctx context.Context, id string) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM playbooks WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete playbook: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("playbook %q: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ListScheduledPlaybooks returns enabled playbooks with a scheduled
// trigger, for the cron scheduler's reload.
func (s *SQLiteStore) ListScheduledPlaybooks(ctx context.Context) ([]*soar.Playbook, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT p.definition FROM playbooks p
		 JOIN (SELECT id, MAX(version) AS version FROM playbooks GROUP BY id) latest
		 ON p.id = latest.id AND p.version = latest.version
		 WHERE p.enabled = 1 AND p.trigger_type = ?`, string(core.TriggerScheduled))
	if err != nil {
		return nil, fmt.Errorf("list scheduled playbooks: %w", err)
	}
	defer rows.Close()

	var out []*soar.Playbook
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("scan playbook row: %w", err)
		}
		var pb soar.Playbook
		if err := json.Unmarshal([]byte(definition), &pb); err != nil {
			return nil, fmt.Errorf("unmarshal playbook: %w", err)
		}
		out = append(out, &pb)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
