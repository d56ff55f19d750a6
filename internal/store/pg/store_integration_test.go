//go:build integration

package pg_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/dropDatabas3/signer/internal/store/pg"
	"github.com/dropDatabas3/signer/internal/testutil/containers"
)

type migrateSuite struct {
	suite.Suite
	db *containers.Postgres
}

func TestMigrateSuite(t *testing.T) {
	suite.Run(t, new(migrateSuite))
}

func (s *migrateSuite) SetupSuite() {
	s.db = containers.NewPostgres(s.T())
}

func (s *migrateSuite) TestSecondRunIsNoop() {
	n, err := pg.Migrate(context.Background(), s.db.Pool)
	s.Require().NoError(err)
	s.Equal(0, n)

	var applied int
	err = s.db.Pool.QueryRow(context.Background(), `SELECT count(*) FROM schema_migrations`).Scan(&applied)
	s.Require().NoError(err)
	s.Equal(2, applied)
}

func (s *migrateSuite) TestConcurrentRuns() {
	ctx := context.Background()
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := pg.Migrate(ctx, s.db.Pool)
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		s.NoError(<-errs)
	}
}

func (s *migrateSuite) TestRevokedIsTerminal() {
	ctx := context.Background()
	_, err := s.db.Pool.Exec(ctx, `
INSERT INTO signer_keys (id, algorithm, status, material_sealed) VALUES ('gone', 'Ed25519', 'revoked', 'x|y')`)
	s.Require().NoError(err)

	_, err = s.db.Pool.Exec(ctx, `UPDATE signer_keys SET status = 'active' WHERE id = 'gone'`)
	s.Error(err)

	_, err = s.db.Pool.Exec(ctx, `UPDATE signer_keys SET updated_at = now() WHERE id = 'gone'`)
	s.NoError(err)
}

func (s *migrateSuite) TestStatusCheck() {
	_, err := s.db.Pool.Exec(context.Background(), `
INSERT INTO signer_keys (id, algorithm, status, material_sealed) VALUES ('odd', 'Ed25519', 'paused', 'x|y')`)
	s.Error(err)
}
