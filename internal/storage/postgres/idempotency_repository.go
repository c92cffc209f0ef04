package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	idempotencyColumns  = `key, request_hash, state, response_status, response_body, expires_at, created_at, updated_at`
	fallbackKeyLifetime = 24 * time.Hour
)

type idempotencyStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
// Гонка за ключ решается первичным ключом таблицы: занять его может только один INSERT.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyStore{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *idempotencyStore) Claim(key, requestHash string, expiresAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := s.now()
	if expiresAt.IsZero() {
		expiresAt = now.Add(fallbackKeyLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// Истёкший ключ перезанимается тем же оператором. Живой ключ оставляет RETURNING пустым.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys AS k (`+idempotencyColumns+`)
		VALUES ($1, $2, $3, 0, NULL, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE
		SET request_hash    = EXCLUDED.request_hash,
		    state           = EXCLUDED.state,
		    response_status = 0,
		    response_body   = NULL,
		    expires_at      = EXCLUDED.expires_at,
		    created_at      = EXCLUDED.created_at,
		    updated_at      = EXCLUDED.updated_at
		WHERE k.expires_at <= $5
		RETURNING `+idempotencyColumns,
		key, requestHash, string(domain.IdempotencyInFlight), expiresAt.UTC(), now,
	)
	claimed, err := scanIdempotencyRecord(row)
	switch {
	case err == nil:
		return claimed, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, unavailable("claim idempotency key", err)
	}

	held, err := s.Get(key)
	if err != nil {
		// Ключ успели удалить между INSERT и SELECT; клиент повторит запрос.
		return domain.IdempotencyRecord{}, fmt.Errorf("%w: %w", domain.ErrIdempotencyKeyAlreadyExists, err)
	}
	if held.RequestHash != requestHash {
		return held, domain.ErrIdempotencyHashMismatch
	}
	return held, domain.ErrIdempotencyKeyAlreadyExists
}

func (s *idempotencyStore) Complete(key string, resp domain.StoredResponse) error {
	return s.affectOne("complete idempotency key", key, `
		UPDATE idempotency_keys
		SET state = $2, response_status = $3, response_body = $4, updated_at = $5
		WHERE key = $1
	`, string(domain.IdempotencyCompleted), resp.Status, resp.Body, s.now())
}

// Forget удаляет ключ, пока по нему не сохранён ответ. Для завершённого ключа ничего не делает.
func (s *idempotencyStore) Forget(key string) error {
	err := s.affectOne("forget idempotency key", key,
		`DELETE FROM idempotency_keys WHERE key = $1 AND state = $2`,
		string(domain.IdempotencyInFlight),
	)
	if errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		if _, getErr := s.Get(key); getErr == nil {
			return nil
		}
	}
	return err
}

func (s *idempotencyStore) Get(key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	record, err := scanIdempotencyRecord(s.db.QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, unavailable("select idempotency key", err)
	}
	return record, nil
}

func (s *idempotencyStore) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = s.now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// LIMIT NULL в PostgreSQL означает отсутствие ограничения.
	batch := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE expires_at <= $1
			ORDER BY expires_at, key
			LIMIT $2
		)
	`, before.UTC(), batch)
	if err != nil {
		return 0, unavailable("purge idempotency keys", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("purge idempotency keys", err)
	}
	return int(purged), nil
}

// affectOne выполняет оператор по ключу ($1) и ожидает ровно одну затронутую строку.
func (s *idempotencyStore) affectOne(op, key, query string, args ...any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, append([]any{key}, args...)...)
	if err != nil {
		return unavailable(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func scanIdempotencyRecord(row rowScanner) (domain.IdempotencyRecord, error) {
	var (
		record domain.IdempotencyRecord
		state  string
	)
	err := row.Scan(
		&record.Key, &record.RequestHash, &state,
		&record.Response.Status, &record.Response.Body,
		&record.ExpiresAt, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	record.State = domain.IdempotencyState(state)
	if !record.State.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s has unknown state %q", record.Key, state)
	}
	record.ExpiresAt = record.ExpiresAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

var _ domain.IdempotencyRepository = (*idempotencyStore)(nil)
