// Package history persists the rolling window of power samples that backs
// the client's charts. Samples live in a single JSON file shared with any
// companion widget process; every mutation re-reads the file, applies the
// change and rewrites it atomically, so concurrent writers converge on a
// last-writer-wins basis instead of corrupting the file.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wattbar/wattbar/internal/models"
)

// DefaultRetention is how long samples are kept when the caller does not
// override the window.
const DefaultRetention = 30 * time.Minute

// Store is the persistence contract for the sample window.
//
// Append records one reading and drops everything older than the retention
// window in the same write. Load returns the surviving samples in ascending
// timestamp order; a missing or unreadable file loads as empty rather than
// failing.
type Store interface {
	Append(reading models.LiveReading, retention time.Duration) error
	Load() ([]models.SamplePoint, error)
	Prune(retention time.Duration) error
	Clear() error
}

// FileStore keeps the sample window in one JSON file.
type FileStore struct {
	mu     sync.Mutex
	path   string
	logger *logrus.Logger

	// now is replaceable in tests.
	now func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store backed by the file at path. The parent
// directory is created on first write.
func NewFileStore(path string, logger *logrus.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

// Append projects the reading into a sample point, appends it to the
// persisted window and prunes expired points, all under one
// read-modify-write cycle.
func (s *FileStore) Append(reading models.LiveReading, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	points, err := s.load()
	if err != nil {
		return err
	}

	ts := reading.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	points = append(points, models.SamplePoint{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Solar:     reading.SolarPower,
		Home:      reading.LoadPower,
		Grid:      reading.GridPower,
		Battery:   reading.BatteryPower,
		SOC:       reading.PercentageCharged,
	})

	points = s.retain(points, retention)
	return s.store(points)
}

// Load returns all surviving samples sorted by timestamp ascending.
func (s *FileStore) Load() ([]models.SamplePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Prune rewrites the file with expired samples removed. It is cheap to run
// on a schedule even when nothing is polling.
func (s *FileStore) Prune(retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	points, err := s.load()
	if err != nil {
		return err
	}
	kept := s.retain(points, retention)
	if len(kept) == len(points) {
		return nil
	}
	s.logger.WithFields(logrus.Fields{
		"removed":   len(points) - len(kept),
		"remaining": len(kept),
	}).Debug("Pruned expired samples")
	return s.store(kept)
}

// Clear removes every sample.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(nil)
}

// retain drops points older than the retention window and returns the rest
// sorted by timestamp ascending.
func (s *FileStore) retain(points []models.SamplePoint, retention time.Duration) []models.SamplePoint {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := s.now().Add(-retention)
	kept := points[:0]
	for _, p := range points {
		if p.Timestamp.After(cutoff) {
			kept = append(kept, p)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].Timestamp.Before(kept[j].Timestamp)
	})
	return kept
}

// load reads the backing file. Missing files are an empty window; corrupt
// files are logged and discarded so one bad write cannot wedge the charts
// forever.
func (s *FileStore) load() ([]models.SamplePoint, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history read %s: %w", s.path, err)
	}

	var points []models.SamplePoint
	if err := json.Unmarshal(raw, &points); err != nil {
		s.logger.WithError(err).Warn("Discarding corrupt sample file")
		return nil, nil
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}

// store writes points to a temp file and renames it over the target so
// readers in other processes never see a torn write.
func (s *FileStore) store(points []models.SamplePoint) error {
	if points == nil {
		points = []models.SamplePoint{}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("history mkdir: %w", err)
	}
	raw, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("history encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".samples-*")
	if err != nil {
		return fmt.Errorf("history temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("history write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("history close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("history rename: %w", err)
	}
	return nil
}
