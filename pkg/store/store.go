// Package store persists audited suites, attempts and reconstructed
// command nodes in a SQL database.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ethpandaops/flakeaudit/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for audit results.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertSuite(ctx context.Context, suite *Suite) error
	GetSuite(ctx context.Context, suiteID string) (*Suite, error)
	ListSuites(ctx context.Context) ([]Suite, error)
	ListSuiteIDs(ctx context.Context) ([]string, error)

	UpsertAttempt(ctx context.Context, attempt *Attempt) error
	ListAttempts(ctx context.Context, testID string) ([]Attempt, error)
	ListSuiteAttempts(ctx context.Context, suiteID string) ([]Attempt, error)

	// BulkInsertNodes replaces the nodes of an attempt.
	BulkInsertNodes(ctx context.Context, attemptID uint, nodes []*Node) error
	ListNodes(ctx context.Context, attemptID uint) ([]Node, error)

	FlakyTests(ctx context.Context) ([]FlakyTest, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.DriverSQLite:
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case config.DriverPostgres:
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	// An in-memory sqlite database exists per connection.
	if s.cfg.Driver == config.DriverSQLite && s.cfg.SQLite.Path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Suite{},
		&Attempt{},
		&Node{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertSuite inserts or updates a suite keyed by suite_id.
func (s *store) UpsertSuite(ctx context.Context, suite *Suite) error {
	result := s.db.WithContext(ctx).
		Where("suite_id = ?", suite.SuiteID).
		Assign(suite).
		FirstOrCreate(suite)
	if result.Error != nil {
		return fmt.Errorf("upserting suite: %w", result.Error)
	}

	return nil
}

// GetSuite returns a suite by id.
func (s *store) GetSuite(ctx context.Context, suiteID string) (*Suite, error) {
	var suite Suite

	err := s.db.WithContext(ctx).
		Where("suite_id = ?", suiteID).
		First(&suite).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting suite: %w", err)
	}

	return &suite, nil
}

// ListSuites returns all suites, newest first.
func (s *store) ListSuites(ctx context.Context) ([]Suite, error) {
	var suites []Suite
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Find(&suites).Error; err != nil {
		return nil, fmt.Errorf("listing suites: %w", err)
	}

	return suites, nil
}

// ListSuiteIDs returns just the suite ids.
func (s *store) ListSuiteIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&Suite{}).
		Pluck("suite_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing suite ids: %w", err)
	}

	return ids, nil
}

// UpsertAttempt inserts or updates an attempt keyed by suite, test and
// retry. The attempt's ID is populated on return.
func (s *store) UpsertAttempt(ctx context.Context, attempt *Attempt) error {
	result := s.db.WithContext(ctx).
		Where("suite_id = ? AND test_id = ? AND retry_index = ?",
			attempt.SuiteID, attempt.TestID, attempt.RetryIndex).
		Assign(attempt).
		FirstOrCreate(attempt)
	if result.Error != nil {
		return fmt.Errorf("upserting attempt: %w", result.Error)
	}

	return nil
}

// ListAttempts returns every attempt of a test across suites, oldest
// first.
func (s *store) ListAttempts(ctx context.Context, testID string) ([]Attempt, error) {
	var attempts []Attempt
	if err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("run_start ASC").
		Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}

	return attempts, nil
}

// ListSuiteAttempts returns the attempts of a suite in run order.
func (s *store) ListSuiteAttempts(ctx context.Context, suiteID string) ([]Attempt, error) {
	var attempts []Attempt
	if err := s.db.WithContext(ctx).
		Where("suite_id = ?", suiteID).
		Order("run_start ASC").
		Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("listing suite attempts: %w", err)
	}

	return attempts, nil
}

// BulkInsertNodes deletes the existing nodes of the attempt and inserts the
// given ones in a single transaction.
func (s *store) BulkInsertNodes(
	ctx context.Context, attemptID uint, nodes []*Node,
) error {
	const batchSize = 100

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("attempt_id = ?", attemptID).
			Delete(&Node{}).Error; err != nil {
			return fmt.Errorf("deleting nodes: %w", err)
		}

		if len(nodes) == 0 {
			return nil
		}

		for i, n := range nodes {
			n.ID = 0
			n.AttemptID = attemptID
			n.Position = i
		}

		if err := tx.CreateInBatches(nodes, batchSize).Error; err != nil {
			return fmt.Errorf("bulk inserting nodes: %w", err)
		}

		return nil
	})
}

// ListNodes returns the nodes of an attempt in graph order.
func (s *store) ListNodes(ctx context.Context, attemptID uint) ([]Node, error) {
	var nodes []Node
	if err := s.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("position ASC").
		Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	return nodes, nil
}

// FlakyTests returns the tests that both failed and passed within at least
// one suite, most flaky first.
func (s *store) FlakyTests(ctx context.Context) ([]FlakyTest, error) {
	var attempts []Attempt
	if err := s.db.WithContext(ctx).
		Order("run_start ASC").
		Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}

	return aggregateFlaky(attempts), nil
}

// aggregateFlaky groups attempts (ordered by run start) per test and suite.
// A suite is flaky for a test when a passed attempt follows a failed one.
func aggregateFlaky(attempts []Attempt) []FlakyTest {
	type suiteState struct {
		failed bool
		flaky  bool
	}

	type testState struct {
		flaky  FlakyTest
		suites map[string]*suiteState
	}

	byTest := make(map[string]*testState, 16)
	order := make([]string, 0, 16)

	for _, a := range attempts {
		ts, ok := byTest[a.TestID]
		if !ok {
			ts = &testState{
				flaky:  FlakyTest{TestID: a.TestID},
				suites: make(map[string]*suiteState, 4),
			}
			byTest[a.TestID] = ts
			order = append(order, a.TestID)
		}

		ts.flaky.TestTitle = a.TestTitle
		if a.File != "" {
			ts.flaky.File = a.File
		}

		ss, ok := ts.suites[a.SuiteID]
		if !ok {
			ss = &suiteState{}
			ts.suites[a.SuiteID] = ss
		}

		switch a.State {
		case "failed":
			ss.failed = true
		case "passed":
			if ss.failed && !ss.flaky {
				ss.flaky = true
				ts.flaky.FlakySuites++

				if a.RunStart.After(ts.flaky.LastFlakyAt) {
					ts.flaky.LastFlakyAt = a.RunStart
				}
			}
		}
	}

	out := make([]FlakyTest, 0, len(order))

	for _, id := range order {
		ts := byTest[id]
		if ts.flaky.FlakySuites == 0 {
			continue
		}

		ts.flaky.Suites = len(ts.suites)
		out = append(out, ts.flaky)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FlakySuites != out[j].FlakySuites {
			return out[i].FlakySuites > out[j].FlakySuites
		}

		return out[i].LastFlakyAt.After(out[j].LastFlakyAt)
	})

	return out
}
