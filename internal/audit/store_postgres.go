package audit

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore escribe en audit_records. La tabla tiene un trigger que
// rechaza UPDATE y DELETE (ver migrations/postgres).
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Kind() string { return "postgres" }

func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO audit_records (record_id, request_id, key_id, requester, algorithm, decision, reason,
                           applied_rules, payload_digest, result_digest, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	rules := rec.AppliedRules
	if rules == nil {
		rules = []string{}
	}
	_, err := s.pool.Exec(ctx, q, rec.RecordID, rec.RequestID, rec.KeyID, rec.Requester, rec.Algorithm,
		string(rec.Decision), rec.Reason, rules, rec.PayloadDigest, rec.ResultDigest, rec.Timestamp)
	return err
}

const selectRecord = `
SELECT record_id::text, request_id, key_id, requester, algorithm, decision, reason,
       applied_rules, payload_digest, result_digest, ts
FROM audit_records`

func (s *PostgresStore) ByRequestID(ctx context.Context, requestID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, selectRecord+` WHERE request_id = $1 ORDER BY seq`, requestID)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *PostgresStore) ByKeyID(ctx context.Context, keyID string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
SELECT record_id, request_id, key_id, requester, algorithm, decision, reason,
       applied_rules, payload_digest, result_digest, ts
FROM (
  SELECT record_id::text, request_id, key_id, requester, algorithm, decision, reason,
         applied_rules, payload_digest, result_digest, ts, seq
  FROM audit_records
  WHERE key_id = $1
  ORDER BY seq DESC
  LIMIT $2
) recent
ORDER BY seq`, keyID, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r        Record
			decision string
		)
		if err := rows.Scan(&r.RecordID, &r.RequestID, &r.KeyID, &r.Requester, &r.Algorithm, &decision, &r.Reason,
			&r.AppliedRules, &r.PayloadDigest, &r.ResultDigest, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Decision = Decision(decision)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close no cierra el pool: lo comparte con el keystore y lo cierra la app.
func (s *PostgresStore) Close() error { return nil }
