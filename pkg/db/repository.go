package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// systemUser is recorded in modified_by when no caller is known.
const systemUser = "system"

// Repository provides database access for persisted gateway state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// =========================================================================
// DISABLED ACTIONS
// =========================================================================

// ListDisabledActions returns every persisted disable override.
func (r *Repository) ListDisabledActions(ctx context.Context) ([]DisabledAction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT collection_id, action_id, disabled, reason, modified, modified_by
		 FROM disabled_actions
		 ORDER BY collection_id, action_id`)
	if err != nil {
		return nil, fmt.Errorf("%s - list disabled actions: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []DisabledAction
	for rows.Next() {
		var d DisabledAction
		if err := rows.Scan(&d.CollectionID, &d.ActionID, &d.Disabled, &d.Reason, &d.Modified, &d.ModifiedBy); err != nil {
			return nil, fmt.Errorf("%s - scan disabled action: %w", repoLogPrefix, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - iterate disabled actions: %w", repoLogPrefix, err)
	}
	return out, nil
}

// DisabledOverrides returns the persisted overrides keyed by "collection/action".
func (r *Repository) DisabledOverrides(ctx context.Context) (map[string]bool, error) {
	rows, err := r.ListDisabledActions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, d := range rows {
		out[d.Key()] = d.Disabled
	}
	return out, nil
}

// SetActionDisabledParams holds parameters for SetActionDisabled.
type SetActionDisabledParams struct {
	CollectionID string
	ActionID     string
	Disabled     bool
	Reason       *string
	ModifiedBy   string
}

// SetActionDisabled upserts the disable override for one action.
func (r *Repository) SetActionDisabled(ctx context.Context, params SetActionDisabledParams) (*DisabledAction, error) {
	slog.Info(fmt.Sprintf("%s - SetActionDisabled %s/%s disabled=%t",
		repoLogPrefix, params.CollectionID, params.ActionID, params.Disabled))

	by := params.ModifiedBy
	if by == "" {
		by = systemUser
	}

	var d DisabledAction
	err := r.pool.QueryRow(ctx,
		`INSERT INTO disabled_actions (collection_id, action_id, disabled, reason, modified, modified_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (collection_id, action_id) DO UPDATE SET
		   disabled = EXCLUDED.disabled,
		   reason = EXCLUDED.reason,
		   modified = EXCLUDED.modified,
		   modified_by = EXCLUDED.modified_by
		 RETURNING collection_id, action_id, disabled, reason, modified, modified_by`,
		params.CollectionID, params.ActionID, params.Disabled, params.Reason, time.Now().UTC(), by).
		Scan(&d.CollectionID, &d.ActionID, &d.Disabled, &d.Reason, &d.Modified, &d.ModifiedBy)
	if err != nil {
		return nil, fmt.Errorf("%s - upsert disabled action: %w", repoLogPrefix, err)
	}
	return &d, nil
}

// DeleteDisabledAction removes the override for one action. Reports whether a row existed.
func (r *Repository) DeleteDisabledAction(ctx context.Context, collectionID, actionID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM disabled_actions WHERE collection_id = $1 AND action_id = $2`, collectionID, actionID)
	if err != nil {
		return false, fmt.Errorf("%s - delete disabled action: %w", repoLogPrefix, err)
	}
	return tag.RowsAffected() > 0, nil
}

// =========================================================================
// PERMISSION GROUPS
// =========================================================================

// ListPermissionGroups returns every persisted group.
func (r *Repository) ListPermissionGroups(ctx context.Context) ([]PermissionGroup, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, description, permissions, modified, modified_by
		 FROM permission_groups
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%s - list permission groups: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []PermissionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - iterate permission groups: %w", repoLogPrefix, err)
	}
	return out, nil
}

// GetPermissionGroup finds a group by id. Returns nil when it does not exist.
func (r *Repository) GetPermissionGroup(ctx context.Context, id string) (*PermissionGroup, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, description, permissions, modified, modified_by
		 FROM permission_groups
		 WHERE id = $1`, id)
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// UpsertPermissionGroupParams holds parameters for UpsertPermissionGroup.
type UpsertPermissionGroupParams struct {
	ID          string
	Description *string
	Permissions []int
	ModifiedBy  string
}

// UpsertPermissionGroup creates or replaces a group's permission list.
func (r *Repository) UpsertPermissionGroup(ctx context.Context, params UpsertPermissionGroupParams) (*PermissionGroup, error) {
	slog.Info(fmt.Sprintf("%s - UpsertPermissionGroup id=%s permissions=%v", repoLogPrefix, params.ID, params.Permissions))

	by := params.ModifiedBy
	if by == "" {
		by = systemUser
	}
	perms := params.Permissions
	if perms == nil {
		perms = []int{}
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO permission_groups (id, description, permissions, modified, modified_by)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   description = COALESCE(EXCLUDED.description, permission_groups.description),
		   permissions = EXCLUDED.permissions,
		   modified = EXCLUDED.modified,
		   modified_by = EXCLUDED.modified_by
		 RETURNING id, description, permissions, modified, modified_by`,
		params.ID, params.Description, perms, time.Now().UTC(), by)
	return scanGroup(row)
}

// DeletePermissionGroup removes a group. Reports whether a row existed.
func (r *Repository) DeletePermissionGroup(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_groups WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("%s - delete permission group: %w", repoLogPrefix, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GroupPermissions returns the persisted groups as id -> permission codes.
func (r *Repository) GroupPermissions(ctx context.Context) (map[string][]int, error) {
	groups, err := r.ListPermissionGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]int, len(groups))
	for _, g := range groups {
		out[g.ID] = g.Permissions
	}
	return out, nil
}

func scanGroup(row pgx.Row) (*PermissionGroup, error) {
	var g PermissionGroup
	var perms []int32
	if err := row.Scan(&g.ID, &g.Description, &perms, &g.Modified, &g.ModifiedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s - scan permission group: %w", repoLogPrefix, err)
	}
	g.Permissions = make([]int, len(perms))
	for i, p := range perms {
		g.Permissions[i] = int(p)
	}
	return &g, nil
}
