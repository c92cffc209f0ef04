package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// marketplaceMigrationLock — ключ pg_advisory_lock, сериализующий миграции между процессами.
const marketplaceMigrationLock = int64(0x6d61726b6574)

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

var (
	//go:embed sql/migrations/*.sql
	embeddedMigrations embed.FS

	migrationFileName = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)
)

// migrationStep объединяет up и down скрипты одной версии схемы.
type migrationStep struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func (m migrationStep) label() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// MigrationState описывает состояние схемы.
type MigrationState struct {
	// Version — старшая применённая версия, 0 для пустой схемы.
	Version int64
	Applied int
	Pending int
}

// MigrateUp применяет ещё не применённые миграции по возрастанию версии. steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, plan []migrationStep) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		done := 0
		for _, m := range plan {
			if steps > 0 && done == steps {
				break
			}
			if _, ok := applied[m.Version]; ok {
				continue
			}
			if err := execMigration(ctx, conn, m, true); err != nil {
				return err
			}
			done++
		}
		return nil
	})
}

// MigrateDown откатывает последние применённые миграции. steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	steps = max(steps, 1)
	return s.withMigrationLock(ctx, func(conn *sql.Conn, plan []migrationStep) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(applied))
		for version := range applied {
			versions = append(versions, version)
		}
		slices.Sort(versions)
		slices.Reverse(versions)

		for _, version := range versions[:min(steps, len(versions))] {
			idx := slices.IndexFunc(plan, func(m migrationStep) bool { return m.Version == version })
			if idx < 0 {
				return fmt.Errorf("migration %d (%s) is applied but has no scripts", version, applied[version])
			}
			if err := execMigration(ctx, conn, plan[idx], false); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus возвращает состояние схемы относительно встроенных миграций.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errStoreNotInitialized
	}
	plan, err := parseMigrations(embeddedMigrations)
	if err != nil {
		return MigrationState{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	conn, err := s.db.Conn(queryCtx)
	if err != nil {
		return MigrationState{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(queryCtx, schemaMigrationsDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	applied, err := appliedMigrations(queryCtx, conn)
	if err != nil {
		return MigrationState{}, err
	}

	state := MigrationState{Applied: len(applied)}
	for version := range applied {
		state.Version = max(state.Version, version)
	}
	for _, m := range plan {
		if _, ok := applied[m.Version]; !ok {
			state.Pending++
		}
	}
	return state, nil
}

// withMigrationLock берёт выделенное соединение и advisory lock, создаёт schema_migrations
// и вызывает fn со списком встроенных миграций.
func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn, plan []migrationStep) error) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	plan, err := parseMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, marketplaceMigrationLock); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, marketplaceMigrationLock)
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn, plan)
}

// execMigration выполняет скрипт и правит schema_migrations в одной транзакции.
func execMigration(ctx context.Context, conn *sql.Conn, m migrationStep, up bool) error {
	direction, script := "down", m.Down
	bookkeeping, args := `DELETE FROM schema_migrations WHERE version = $1`, []any{m.Version}
	if up {
		direction, script = "up", m.Up
		bookkeeping, args = `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, []any{m.Version, m.Name}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate %s %s: begin: %w", direction, m.label(), err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migrate %s %s: %w", direction, m.label(), err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migrate %s %s: record version: %w", direction, m.label(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate %s %s: commit: %w", direction, m.label(), err)
	}
	return nil
}

// appliedMigrations возвращает версии из schema_migrations с их именами.
func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[int64]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]string)
	for rows.Next() {
		var (
			version int64
			name    string
		)
		if err := rows.Scan(&version, &name); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// parseMigrations читает sql/migrations/NNNN_name.(up|down).sql и возвращает шаги по возрастанию версии.
// Каждая версия обязана иметь оба скрипта с одинаковым именем.
func parseMigrations(fsys fs.FS) ([]migrationStep, error) {
	files, err := fs.Glob(fsys, "sql/migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migrationStep)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationFileName.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %s: parse version: %w", base, err)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", base, err)
		}
		script := strings.TrimSpace(string(raw))
		if script == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		step, ok := byVersion[version]
		switch {
		case !ok:
			step = &migrationStep{Version: version, Name: parts[2]}
			byVersion[version] = step
		case step.Name != parts[2]:
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, step.Name, parts[2])
		}

		target := &step.Up
		if parts[3] == "down" {
			target = &step.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s script for migration %d", parts[3], version)
		}
		*target = script
	}

	steps := make([]migrationStep, 0, len(byVersion))
	for _, step := range byVersion {
		if step.Up == "" || step.Down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", step.label())
		}
		steps = append(steps, *step)
	}
	slices.SortFunc(steps, func(a, b migrationStep) int { return cmp.Compare(a.Version, b.Version) })
	return steps, nil
}
