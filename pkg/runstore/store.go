// Package runstore persists run documents as one JSON file per run id.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/forgis/factorybench/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when no document exists for a run id.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidRunID is returned for ids that cannot name a run file.
	ErrInvalidRunID = errors.New("invalid run id")
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateRunID checks that id is safe to use as a file name.
func ValidateRunID(id string) error {
	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}

	return nil
}

// Store reads and writes run documents.
type Store interface {
	// Save replaces the document for run.RunID atomically.
	Save(ctx context.Context, run *Run) error
	// Load returns the document for runID or ErrNotFound.
	Load(ctx context.Context, runID string) (*Run, error)
	// ListIDs returns the ids of all documents, sorted.
	ListIDs(ctx context.Context) ([]string, error)
	// List returns every parseable document sorted by id. Malformed
	// documents are skipped.
	List(ctx context.Context) ([]*Run, error)
	// Path returns the file path of the document for runID.
	Path(runID string) string
	// Dir returns the run directory.
	Dir() string
}

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	log   logrus.FieldLogger
	dir   string
	owner *fsutil.OwnerConfig
}

// NewLocalStore creates a Store rooted at dir.
func NewLocalStore(log logrus.FieldLogger, dir string, owner *fsutil.OwnerConfig) Store {
	return &localStore{
		log:   log.WithField("component", "runstore"),
		dir:   dir,
		owner: owner,
	}
}

func (s *localStore) Dir() string {
	return s.dir
}

func (s *localStore) Path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

func (s *localStore) Save(_ context.Context, run *Run) error {
	if err := ValidateRunID(run.RunID); err != nil {
		return err
	}

	if err := fsutil.MkdirAll(s.dir, 0o755, s.owner); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	if err := fsutil.WriteFileAtomic(s.Path(run.RunID), data, 0o644, s.owner); err != nil {
		return fmt.Errorf("writing run %s: %w", run.RunID, err)
	}

	return nil
}

func (s *localStore) Load(_ context.Context, runID string) (*Run, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing run %s: %w", runID, err)
	}

	return &run, nil
}

func (s *localStore) ListIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading run dir: %w", err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		id := strings.TrimSuffix(name, ".json")
		if ValidateRunID(id) != nil {
			continue
		}

		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids, nil
}

func (s *localStore) List(ctx context.Context) ([]*Run, error) {
	ids, err := s.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	runs := make([]*Run, 0, len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		run, err := s.Load(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("run_id", id).
				Debug("Skipping unreadable run document")

			continue
		}

		runs = append(runs, run)
	}

	return runs, nil
}
