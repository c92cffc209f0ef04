package postgres

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMigrator_PostgresUpDownCycle(t *testing.T) {
	store := bareStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	expectState := func(step string, want MigrationState) {
		t.Helper()
		got, err := store.MigrationStatus(ctx)
		if err != nil {
			t.Fatalf("%s: migration status: %v", step, err)
		}
		if got != want {
			t.Fatalf("%s: state=%+v, want %+v", step, got, want)
		}
	}

	if err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("reset: %v", err)
	}
	expectState("after reset", MigrationState{Version: 0, Applied: 0, Pending: 2})

	if err := store.MigrateUp(ctx, 1); err != nil {
		t.Fatalf("migrate up one step: %v", err)
	}
	expectState("after one step", MigrationState{Version: 1, Applied: 1, Pending: 1})

	for i := 0; i < 2; i++ {
		if err := store.MigrateUp(ctx, 0); err != nil {
			t.Fatalf("migrate up all (pass %d): %v", i, err)
		}
	}
	expectState("after up all", MigrationState{Version: 2, Applied: 2, Pending: 0})

	if err := store.MigrateDown(ctx, 0); err != nil {
		t.Fatalf("migrate down default: %v", err)
	}
	expectState("after down default", MigrationState{Version: 1, Applied: 1, Pending: 1})

	if err := store.MigrateDown(ctx, 5); err != nil {
		t.Fatalf("migrate down beyond applied: %v", err)
	}
	expectState("after down all", MigrationState{Version: 0, Applied: 0, Pending: 2})

	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("down on empty schema must be a no-op: %v", err)
	}
	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("restore schema: %v", err)
	}
}

func TestMigrator_NilStore(t *testing.T) {
	var store *Store
	ctx := context.Background()

	if err := store.MigrateUp(ctx, 0); !errors.Is(err, errStoreNotInitialized) {
		t.Fatalf("MigrateUp on nil store: %v", err)
	}
	if err := store.MigrateDown(ctx, 1); !errors.Is(err, errStoreNotInitialized) {
		t.Fatalf("MigrateDown on nil store: %v", err)
	}
	if _, err := store.MigrationStatus(ctx); !errors.Is(err, errStoreNotInitialized) {
		t.Fatalf("MigrationStatus on nil store: %v", err)
	}
}
