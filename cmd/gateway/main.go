// Package main is the entrypoint for the action-gateway (binary name "gateway" in Docker).
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/action-gateway/internal/config"
	"github.com/morezero/action-gateway/internal/server"
	"github.com/morezero/action-gateway/pkg/auth"
	"github.com/morezero/action-gateway/pkg/bootstrap"
	"github.com/morezero/action-gateway/pkg/db"
)

const usage = `Usage: gateway [command]
       gateway serve                       Start the gateway (WebSocket, REST, NATS ingress, HTTP).
       gateway migrate up                  Run database migrations.
       gateway migrate down                Roll back one migration (not supported; migrations are forward-only).
       gateway migrate status              Show migration status.
       gateway ensure-db [name]            Create database if missing (default name: gateway_test). Uses DATABASE_URL host/user.
       gateway clear                       Truncate disabled actions and permission groups; schema is preserved.
       gateway seed [file]                 Seed permission groups and disabled actions from a bootstrap file.
       gateway token <subject> [groups]    Issue an access token (comma-separated groups) signed with JWT_SECRET.

Commands:
  serve           (default) Start the action gateway.
  migrate up      Run database migrations only.
  migrate down    Roll back last migration (not supported).
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. gateway_test) on same host as DATABASE_URL; then run tests with that URL.
  clear           Truncate gateway state; schema preserved.
  seed [file]     Seed from bootstrap file (default BOOTSTRAP_FILE).
  token           Issue a one-hour access token for manual testing.

Environment: JWT_SECRET (serve, token), DATABASE_URL (optional for serve, required for migrate/clear/seed),
MIGRATION_PATH, HTTP_ADDR (default 0.0.0.0:8080), COMMS_URL, BOOTSTRAP_FILE, DAEMON_<NAME>=<token>. See README.
`

// tokenTTL is the lifetime of tokens issued by the token command.
const tokenTTL = time.Hour

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("gateway migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("gateway migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("gateway migrate status: %v", err)
			}
		case "down":
			if err := runMigrateDown(); err != nil {
				log.Fatalf("gateway migrate down: %v", err)
			}
		default:
			log.Fatalf("gateway migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("gateway clear: %v", err)
		}
		return
	case "seed":
		bootstrapFile := ""
		if len(args) > 1 {
			bootstrapFile = args[1]
		}
		if err := runSeed(bootstrapFile); err != nil {
			log.Fatalf("gateway seed: %v", err)
		}
		return
	case "ensure-db":
		dbName := "gateway_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("gateway ensure-db: %v", err)
		}
		return
	case "token":
		if len(args) < 2 || args[1] == "" {
			log.Fatalf("gateway token: require subject")
		}
		groups := ""
		if len(args) > 2 {
			groups = args[2]
		}
		if err := runToken(args[1], splitGroups(groups)); err != nil {
			log.Fatalf("gateway token: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

// openPool loads config, checks DATABASE_URL and connects.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, pool, nil
}

func runMigrateUp() error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Printf("Applied %d migration files from %s.\n", len(migrationSQL), cfg.MigrationPath)
	return nil
}

func runMigrateStatus() error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	status, err := db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	if err != nil {
		return err
	}
	fmt.Println(status.String())
	return nil
}

func runMigrateDown() error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.MigrationDown(ctx, pool, cfg.MigrationPath)
}

func runClear() error {
	ctx := context.Background()
	_, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.ClearGatewayState(ctx, pool); err != nil {
		return fmt.Errorf("clear gateway state: %w", err)
	}
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	targetURL, err := withDatabase(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// withDatabase replaces the database name of a postgres URL; the query (e.g. sslmode) is kept.
func withDatabase(databaseURL, dbName string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func runSeed(bootstrapFileOverride string) error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	bootstrapPath := bootstrapFileOverride
	if bootstrapPath == "" {
		bootstrapPath = cfg.BootstrapFile
	}
	bootstrapCfg, err := bootstrap.LoadBootstrapConfig(bootstrapPath)
	if err != nil {
		return fmt.Errorf("load bootstrap file: %w", err)
	}
	if err := db.SeedConfig(ctx, pool, bootstrapCfg); err != nil {
		return fmt.Errorf("seed bootstrap config: %w", err)
	}
	fmt.Printf("Seeded %d permission groups and %d disabled actions.\n", len(bootstrapCfg.Groups), len(bootstrapCfg.Disabled))
	return nil
}

func runToken(subject string, groups []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}
	token, err := tokens.IssueAccess(subject, groups, tokenTTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// splitGroups parses a comma-separated group list, dropping empty entries.
func splitGroups(s string) []string {
	var out []string
	for _, g := range strings.Split(s, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}
