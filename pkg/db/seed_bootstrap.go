package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/action-gateway/pkg/bootstrap"
)

const seedBootstrapLogPrefix = "db:seed_bootstrap"

// SeedBootstrap loads the seed file from the given path and writes its
// permission groups and disabled actions. Idempotent: existing groups are
// updated and existing disable overrides are left untouched.
func SeedBootstrap(ctx context.Context, pool *pgxpool.Pool, bootstrapFilePath string) error {
	slog.Info(fmt.Sprintf("%s - seeding from %s", seedBootstrapLogPrefix, bootstrapFilePath))

	cfg, err := bootstrap.LoadBootstrapConfig(bootstrapFilePath)
	if err != nil {
		return fmt.Errorf("%s - load bootstrap config: %w", seedBootstrapLogPrefix, err)
	}
	return SeedConfig(ctx, pool, cfg)
}

// SeedConfig writes an already loaded seed configuration in one transaction.
func SeedConfig(ctx context.Context, pool *pgxpool.Pool, cfg *bootstrap.BootstrapConfig) error {
	if cfg == nil || (len(cfg.Groups) == 0 && len(cfg.Disabled) == 0) {
		slog.Info(fmt.Sprintf("%s - nothing to seed", seedBootstrapLogPrefix))
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - begin tx: %w", seedBootstrapLogPrefix, err)
	}
	defer tx.Rollback(ctx)

	for id, g := range cfg.Groups {
		var desc *string
		if g.Description != "" {
			d := g.Description
			desc = &d
		}
		perms := g.Permissions
		if perms == nil {
			perms = []int{}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO permission_groups (id, description, permissions, modified_by)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET
			   description = COALESCE(EXCLUDED.description, permission_groups.description),
			   permissions = EXCLUDED.permissions,
			   modified = NOW(),
			   modified_by = EXCLUDED.modified_by`,
			id, desc, perms, systemUser)
		if err != nil {
			return fmt.Errorf("%s - upsert group %s: %w", seedBootstrapLogPrefix, id, err)
		}
	}

	seeded := 0
	for _, key := range cfg.Disabled {
		collectionID, actionID, ok := bootstrap.SplitKey(key)
		if !ok {
			slog.Warn(fmt.Sprintf("%s - skip invalid disabled entry %q", seedBootstrapLogPrefix, key))
			continue
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO disabled_actions (collection_id, action_id, disabled, reason, modified_by)
			 VALUES ($1, $2, TRUE, 'bootstrap', $3)
			 ON CONFLICT (collection_id, action_id) DO NOTHING`,
			collectionID, actionID, systemUser)
		if err != nil {
			return fmt.Errorf("%s - insert disabled %s: %w", seedBootstrapLogPrefix, key, err)
		}
		seeded++
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - commit: %w", seedBootstrapLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - seeded %d groups and %d disabled actions", seedBootstrapLogPrefix, len(cfg.Groups), seeded))
	return nil
}
