package bsu

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/dispatchgrid/consolehub/globals"
)

func newId() string { return uuid.NewString() }

// Store owns the on-disk BSU dataset. Unlike the presence dataset there is no
// backup chain, a damaged file is replaced by the empty dataset. Saves are
// atomic through a temporary file and a rename.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load returns the current BSU dataset. On first use it synthesizes and
// persists the empty dataset. Load never fails outward.
func (s *Store) Load() *Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Update runs fn on the current dataset and persists the result under the
// writer lock.
func (s *Store) Update(fn func(ds *Dataset) error) (*Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.loadLocked()
	if err := fn(ds); err != nil {
		return nil, err
	}
	if err := s.saveLocked(ds); err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *Store) loadLocked() *Dataset {
	raw, err := ioutil.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			globals.AppLogger.Error("could not read bsu dataset, resetting", "error", err)
		}
		return s.resetLocked()
	}
	ds := &Dataset{}
	if err := json.Unmarshal(raw, ds); err != nil {
		globals.AppLogger.Warn("bsu dataset is damaged, resetting", "error", err)
		return s.resetLocked()
	}
	if ds.Retranslators == nil {
		ds.Retranslators = make([]Retranslator, 0)
	}
	if ds.Timeslots == nil {
		ds.Timeslots = make([]Timeslot, 0)
	}
	return ds
}

func (s *Store) saveLocked(ds *Dataset) error {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal bsu dataset: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create bsu data directory: %w", err)
	}
	tmp, err := ioutil.TempFile(dir, ".bsudata-*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("could not write bsu dataset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not close temporary file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not replace bsu dataset: %w", err)
	}
	return nil
}

func (s *Store) resetLocked() *Dataset {
	ds := NewDataset()
	if err := s.saveLocked(ds); err != nil {
		globals.AppLogger.Error("could not persist empty bsu dataset", "error", err)
	}
	return ds
}
