package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/splax/localvercel/api/migrations"
)

// Runner applies schema migrations with goose.
type Runner struct {
	dsn  string
	dir  string
	fsys fs.FS
	log  *slog.Logger
}

// New returns a migration runner. An empty dir selects the migrations
// compiled into the binary.
func New(dsn, dir string, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if log == nil {
		log = slog.Default()
	}
	r := Runner{dsn: dsn, log: log}
	if dir == "" {
		r.dir = "."
		r.fsys = migrations.FS
		return r, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	r.dir = dir
	return r, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withDB(ctx, func(runCtx context.Context, db *sql.DB) error {
		r.log.Info("applying migrations", "dir", r.source())
		if err := goose.UpContext(runCtx, db, r.dir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		r.log.Info("migrations applied")
		return nil
	})
}

// Status reports applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	return r.withDB(ctx, func(runCtx context.Context, db *sql.DB) error {
		r.log.Info("migration status", "dir", r.source())
		if err := goose.StatusContext(runCtx, db, r.dir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

// Down rolls back the latest migration, or down to targetVersion when positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withDB(ctx, func(runCtx context.Context, db *sql.DB) error {
		if targetVersion > 0 {
			r.log.Info("rolling back migrations", "target", targetVersion)
			if err := goose.DownToContext(runCtx, db, r.dir, targetVersion); err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
		} else {
			r.log.Info("rolling back latest migration")
			if err := goose.DownContext(runCtx, db, r.dir); err != nil {
				return fmt.Errorf("rollback latest migration: %w", err)
			}
		}
		r.log.Info("rollback complete")
		return nil
	})
}

func (r Runner) source() string {
	if r.fsys != nil {
		return "embedded"
	}
	return r.dir
}

// withDB opens a database/sql handle for goose. goose keeps its base FS and
// dialect in package state, so both are set on every call.
func (r Runner) withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	goose.SetBaseFS(r.fsys)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if err := db.PingContext(runCtx); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(runCtx, db)
}
