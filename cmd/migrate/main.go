// Команда migrate применяет и откатывает миграции схемы PostgreSQL маркетплейса.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/storage/postgres"
)

const envPostgresDSN = "MARKET_POSTGRES_DSN"

type direction string

const (
	directionUp     direction = "up"
	directionDown   direction = "down"
	directionStatus direction = "status"
)

// apply выполняет шаг миграции. status ничего не меняет.
// Для down шагов минимум один: откатить "всё" одной командой нельзя.
func (d direction) apply(ctx context.Context, store *postgres.Store, steps int) error {
	switch d {
	case directionUp:
		return store.MigrateUp(ctx, steps)
	case directionDown:
		return store.MigrateDown(ctx, steps)
	}
	return nil
}

type options struct {
	direction direction
	steps     int
	dsn       string
	timeout   time.Duration
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseOptions(args []string, getenv func(string) string, output io.Writer) (options, error) {
	var (
		opts options
		dir  string
	)

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&dir, "direction", string(directionUp), "up | down | status")
	fs.IntVar(&opts.steps, "steps", 0, "migrations to apply (0 = all pending) or roll back (0 = one)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "deadline for the whole command")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = direction(strings.ToLower(strings.TrimSpace(dir)))
	opts.dsn = cmp.Or(strings.TrimSpace(opts.dsn), strings.TrimSpace(getenv(envPostgresDSN)))

	var problems []error
	switch opts.direction {
	case directionUp, directionDown, directionStatus:
	default:
		problems = append(problems, fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction))
	}
	if opts.steps < 0 {
		problems = append(problems, errors.New("steps must not be negative"))
	}
	if opts.timeout <= 0 {
		problems = append(problems, errors.New("timeout must be positive"))
	}
	if opts.dsn == "" {
		problems = append(problems, fmt.Errorf("%s (or -dsn) is required", envPostgresDSN))
	}
	if err := errors.Join(problems...); err != nil {
		return options{}, err
	}
	return opts, nil
}

// run применяет миграции и печатает версию схемы до и после.
func run(ctx context.Context, opts options, out io.Writer) error {
	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	before, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}
	if err := opts.direction.apply(ctx, store, opts.steps); err != nil {
		return fmt.Errorf("migrate %s: %w", opts.direction, err)
	}
	after, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}

	_, _ = fmt.Fprintf(out, "migrate %s ok: version=%d->%d applied=%d pending=%d\n",
		opts.direction, before.Version, after.Version, after.Applied, after.Pending)
	return nil
}
