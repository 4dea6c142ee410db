//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"nip05/internal/ledger/store/storetest"
	"nip05/pkg/testutil/containers"
)

type PostgresLedgerSuite struct {
	storetest.Suite
	postgres *containers.PostgresContainer
}

func TestPostgresLedgerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := &PostgresLedgerSuite{}
	s.NewStore = func() storetest.Store {
		store := NewPostgres(s.postgres.DB)
		s.Require().NoError(store.Migrate(context.Background()))
		s.Require().NoError(s.postgres.TruncateTables(context.Background(), "invoices"))
		return store
	}
	suite.Run(t, s)
}

func (s *PostgresLedgerSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
}

func (s *PostgresLedgerSuite) TestMigrateIsIdempotent() {
	store := NewPostgres(s.postgres.DB)
	s.Require().NoError(store.Migrate(context.Background()))
	s.Require().NoError(store.Migrate(context.Background()))
	s.Require().NoError(store.Ping(context.Background()))
}
