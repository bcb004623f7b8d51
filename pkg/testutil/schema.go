package testutil

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/stock-ledger/pkg/database"
	"github.com/medflow/stock-ledger/pkg/logger"
)

// TestSchema is an isolated schema with migrations applied and a connection
// pool whose search path points at it.
type TestSchema struct {
	Name string
	DB   *database.DB
}

// SchemaManager creates and drops per-test schemas
type SchemaManager struct {
	admin     *sqlx.DB
	container *PostgresContainer
	log       *logger.Logger
	schemas   []*TestSchema
	mu        sync.Mutex
}

// NewSchemaManager creates a new schema manager for tests
func NewSchemaManager(container *PostgresContainer, admin *sqlx.DB, log *logger.Logger) *SchemaManager {
	return &SchemaManager{
		admin:     admin,
		container: container,
		log:       log,
	}
}

// CreateSchema creates a fresh schema, connects to it and applies the
// migrations found in dir of migrations.
func (sm *SchemaManager) CreateSchema(ctx context.Context, migrations fs.FS, dir string) (*TestSchema, error) {
	name := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	if _, err := sm.admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", name)); err != nil {
		return nil, fmt.Errorf("failed to create test schema: %w", err)
	}

	dsn, err := sm.container.SchemaDSN(name)
	if err != nil {
		return nil, fmt.Errorf("failed to build schema DSN: %w", err)
	}

	db, err := database.NewWithDSN(dsn, sm.log)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx, migrations, dir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate test schema: %w", err)
	}

	s := &TestSchema{Name: name, DB: db}

	sm.mu.Lock()
	sm.schemas = append(sm.schemas, s)
	sm.mu.Unlock()

	return s, nil
}

// DropSchema closes the schema's pool and removes the schema completely
func (sm *SchemaManager) DropSchema(ctx context.Context, s *TestSchema) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := s.DB.Close(); err != nil {
		sm.log.Warn().Err(err).Str("schema", s.Name).Msg("failed to close schema pool")
	}

	if _, err := sm.admin.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", s.Name)); err != nil {
		return fmt.Errorf("failed to drop test schema: %w", err)
	}

	for i, existing := range sm.schemas {
		if existing == s {
			sm.schemas = append(sm.schemas[:i], sm.schemas[i+1:]...)
			break
		}
	}

	return nil
}

// Cleanup drops every schema that is still registered
func (sm *SchemaManager) Cleanup(ctx context.Context) error {
	sm.mu.Lock()
	schemas := append([]*TestSchema(nil), sm.schemas...)
	sm.mu.Unlock()

	for _, s := range schemas {
		if err := sm.DropSchema(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
