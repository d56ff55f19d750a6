package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/signer/internal/security/secretbox"
)

// PostgresSource lee y escribe la tabla signer_keys (ver migrations/postgres).
type PostgresSource struct {
	pool *pgxpool.Pool
	box  *secretbox.Box
}

func NewPostgresSource(pool *pgxpool.Pool, box *secretbox.Box) (*PostgresSource, error) {
	if pool == nil || box == nil {
		return nil, errors.New("keystore: postgres source requires pool and secretbox")
	}
	return &PostgresSource{pool: pool, box: box}, nil
}

func (p *PostgresSource) Kind() string { return "postgres" }

func (p *PostgresSource) load(ctx context.Context) ([]record, error) {
	const q = `
SELECT id, algorithm, status, public_key, material_sealed, created_at
FROM signer_keys
ORDER BY id`
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record
	for rows.Next() {
		var (
			id, alg, st, sealed string
			rec                 record
		)
		if err := rows.Scan(&id, &alg, &st, &rec.handle.PublicKey, &sealed, &rec.handle.CreatedAt); err != nil {
			return nil, err
		}
		a, ok := ParseAlgorithm(alg)
		if !ok {
			return nil, fmt.Errorf("key %s: unknown algorithm %q", id, alg)
		}
		s, ok := ParseStatus(st)
		if !ok {
			return nil, fmt.Errorf("key %s: unknown status %q", id, st)
		}
		mat, err := p.box.Open(id, sealed)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", id, err)
		}
		rec.handle.ID, rec.handle.Algorithm, rec.handle.Status = id, a, s
		rec.material = mat
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresSource) insert(ctx context.Context, rec record) error {
	sealed, err := p.box.Seal(rec.handle.ID, rec.material)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO signer_keys (id, algorithm, status, public_key, material_sealed, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = p.pool.Exec(ctx, q, rec.handle.ID, string(rec.handle.Algorithm), string(rec.handle.Status),
		rec.handle.PublicKey, sealed, rec.handle.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

func (p *PostgresSource) updateStatus(ctx context.Context, id string, st Status) error {
	const q = `UPDATE signer_keys SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := p.pool.Exec(ctx, q, id, string(st))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
