package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/medflow/provenance-backend/pkg/database"
	"github.com/medflow/provenance-backend/pkg/logger"
)

var (
	// Global test container (shared across all integration tests)
	globalContainer *PostgresContainer
	globalDB        *sqlx.DB
	containerOnce   sync.Once
	containerErr    error
)

// IntegrationSuite provides a base for integration tests with real PostgreSQL
type IntegrationSuite struct {
	Container *PostgresContainer
	RawDB     *sqlx.DB
	DB        *database.DB
	Fixtures  *FixtureFactory
	Logger    *logger.Logger
}

// NewIntegrationSuite creates a new integration test suite and applies migrations.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    testutil.SkipIfShort(t)
//	    suite := testutil.MustIntegrationSuite(t, repository.Migrations())
//	    suite.Truncate(t, "batches", "raw_materials", "products")
//	    // ... run tests against suite.DB
//	}
func NewIntegrationSuite(ctx context.Context, migrations []string) (*IntegrationSuite, error) {
	container, db, err := getOrCreateContainer(ctx)
	if err != nil {
		return nil, err
	}

	log := logger.New("test", "test")
	wrappedDB := database.Wrap(db, log)

	if err := wrappedDB.Exec(ctx, migrations); err != nil {
		return nil, err
	}

	return &IntegrationSuite{
		Container: container,
		RawDB:     db,
		DB:        wrappedDB,
		Fixtures:  NewFixtureFactory(),
		Logger:    log,
	}, nil
}

// MustIntegrationSuite skips under -short and fails the test if the container cannot start.
func MustIntegrationSuite(t *testing.T, migrations []string) *IntegrationSuite {
	t.Helper()
	SkipIfShort(t)

	suite, err := NewIntegrationSuite(context.Background(), migrations)
	if err != nil {
		t.Fatalf("failed to create integration suite: %v", err)
	}
	return suite
}

// getOrCreateContainer returns the shared test container
func getOrCreateContainer(ctx context.Context) (*PostgresContainer, *sqlx.DB, error) {
	containerOnce.Do(func() {
		globalContainer, containerErr = NewPostgresContainer(ctx, DefaultPostgresConfig())
		if containerErr != nil {
			return
		}
		globalDB, containerErr = globalContainer.Connect(ctx)
	})

	return globalContainer, globalDB, containerErr
}

// Truncate empties the given tables so each test starts clean.
func (s *IntegrationSuite) Truncate(t *testing.T, tables ...string) {
	t.Helper()
	query := "TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE"
	if _, err := s.RawDB.Exec(query); err != nil {
		t.Fatalf("failed to truncate %v: %v", tables, err)
	}
}

// TerminateContainer terminates the shared container.
// Only call this in TestMain after all tests have completed.
func TerminateContainer(ctx context.Context) {
	if globalDB != nil {
		globalDB.Close()
	}
	if globalContainer != nil {
		globalContainer.Terminate(ctx)
	}
}

// UnitTestSuite provides a base for unit tests with mocked dependencies
type UnitTestSuite struct {
	MockDB   *MockDB
	DB       *database.DB
	Fixtures *FixtureFactory
	t        *testing.T
}

// NewUnitTestSuite creates a new unit test suite. Expectations are verified on cleanup.
func NewUnitTestSuite(t *testing.T) *UnitTestSuite {
	mockDB := NewMockDB(t)
	s := &UnitTestSuite{
		MockDB:   mockDB,
		DB:       database.Wrap(mockDB.DB, logger.Nop()),
		Fixtures: NewFixtureFactory(),
		t:        t,
	}
	t.Cleanup(s.Cleanup)
	return s
}

// Cleanup verifies expectations and cleans up
func (s *UnitTestSuite) Cleanup() {
	s.MockDB.ExpectationsWereMet(s.t)
	s.MockDB.Close()
}
