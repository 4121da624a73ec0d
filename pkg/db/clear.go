package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearGatewayState truncates the persisted gateway tables. Schema is preserved.
func ClearGatewayState(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing gateway tables", clearLogPrefix))

	_, err := pool.Exec(ctx, `TRUNCATE TABLE disabled_actions, permission_groups`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Gateway state cleared", clearLogPrefix))
	return nil
}
