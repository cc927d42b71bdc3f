package indexstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgis/factorybench/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a run is not indexed.
var ErrNotFound = errors.New("run not indexed")

// RunFilter narrows ListRuns. Empty fields match everything.
type RunFilter struct {
	Model     string
	DatasetID string
	Status    string
}

// Store provides persistence for the indexed run data.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	DeleteRun(ctx context.Context, runID string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	ListRunIDs(ctx context.Context) ([]string, error)
	ListIncompleteRunIDs(ctx context.Context) ([]string, error)

	// DailyCost sums cost_total of runs started on the UTC date of day.
	DailyCost(ctx context.Context, day time.Time) (float64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.APIDatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new index Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.APIDatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "indexstore"),
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
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening index database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&Run{}); err != nil {
		return fmt.Errorf("running index migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Index database connected")

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

// UpsertRun inserts a run or replaces the row with the same run_id.
func (s *store) UpsertRun(ctx context.Context, run *Run) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Run

		err := tx.Where("run_id = ?", run.RunID).Take(&existing).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			run.ID = 0
			if err := tx.Create(run).Error; err != nil {
				return fmt.Errorf("inserting run: %w", err)
			}
		case err != nil:
			return fmt.Errorf("looking up run: %w", err)
		default:
			run.ID = existing.ID
			if err := tx.Save(run).Error; err != nil {
				return fmt.Errorf("updating run: %w", err)
			}
		}

		return nil
	})
}

// GetRun returns the indexed row of runID.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// DeleteRun removes the row of runID. Missing rows are not an error.
func (s *store) DeleteRun(ctx context.Context, runID string) error {
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Delete(&Run{}).Error; err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}

	return nil
}

// ListRuns returns the matching runs, newest first.
func (s *store) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	q := s.db.WithContext(ctx)

	if filter.Model != "" {
		q = q.Where("model = ?", filter.Model)
	}

	if filter.DatasetID != "" {
		q = q.Where("dataset_id = ?", filter.DatasetID)
	}

	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var runs []Run
	if err := q.Order("started_at DESC").Order("run_id DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// ListRunIDs returns the ids of every indexed run.
func (s *store) ListRunIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Pluck("run_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing run ids: %w", err)
	}

	return ids, nil
}

// terminalStatuses are run statuses that will not change.
var terminalStatuses = []string{"completed", "stopped", "failed"}

// ListIncompleteRunIDs returns the ids of runs whose indexed status is
// not terminal, so their documents may still change.
func (s *store) ListIncompleteRunIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("status NOT IN ?", terminalStatuses).
		Pluck("run_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing incomplete run ids: %w", err)
	}

	return ids, nil
}

// DailyCost sums the persisted cost of runs started on day's UTC date.
func (s *store) DailyCost(ctx context.Context, day time.Time) (float64, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	var total float64
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Select("COALESCE(SUM(cost_total), 0)").
		Where("started_at >= ? AND started_at < ?", start, end).
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("summing daily cost: %w", err)
	}

	return total, nil
}
