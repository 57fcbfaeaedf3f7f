package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/dispatchgrid/consolehub/globals"
	"github.com/dispatchgrid/consolehub/types"
	"github.com/gofrs/flock"
)

const (
	backupPrefix = "dataset-"
	backupSuffix = ".json"
)

// ErrInvalidShape is returned by Save when the dataset is missing a top-level
// member. Such a dataset is never written to disk.
var ErrInvalidShape = errors.New("dataset shape invalid")

var (
	// Best-effort repair of two known artifacts of a legacy serialization bug:
	// trailing commas before a closing brace/bracket and doubled empty-object
	// literals. Anything beyond that goes to backup recovery.
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	doubledEmptyRe  = regexp.MustCompile(`\{\s*\}\s*\{\s*\}`)
)

// Config configures a Store.
type Config struct {
	// DataPath is the live dataset file.
	DataPath string
	// BackupDir holds timestamp-named snapshots taken before each save.
	BackupDir string
	// LockPath, if set, is a flock file guarding saves against a concurrent
	// process (f.e. the admin tool) writing the same dataset.
	LockPath string
}

// Store owns the on-disk dataset. Load never fails outward: a damaged file
// degrades through repair, then backups newest-first, then the default
// dataset. Save is atomic: backup, write to a temporary file, rename.
type Store struct {
	cfg Config

	// serializes save against save, a write-write race must not interleave
	// two partial writes
	mu sync.Mutex
}

func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Load returns the current dataset. On first use it synthesizes and persists
// the default dataset. Corrupted content triggers the recovery chain, so the
// returned dataset always has all three members present. Load never fails
// outward.
func (s *Store) Load() *types.Dataset {
	// the happy path is lock-free, loads may run concurrently with each other
	// and only observe atomically renamed files
	ds, _, err := s.read()
	if err == nil {
		return ds
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save validates the dataset shape and atomically replaces the live file,
// snapshotting the previous content into the backup directory first. A reader
// never observes a half-written file.
func (s *Store) Save(ds *types.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ds)
}

// Update runs fn on the current dataset and persists the result, all under
// the writer lock. This is the single-writer path used by the presence
// tracker and the HTTP layer for read-modify-write cycles.
func (s *Store) Update(fn func(ds *types.Dataset) error) (*types.Dataset, error) {
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

func (s *Store) loadLocked() *types.Dataset {
	ds, raw, err := s.read()
	if err == nil {
		return ds
	}
	if raw == nil {
		if !os.IsNotExist(err) {
			globals.AppLogger.Error("could not read dataset, falling back to default", "error", err)
		}
		return s.resetLocked()
	}
	globals.AppLogger.Warn("dataset is damaged, entering recovery", "error", err)
	return s.recoverLocked(raw)
}

// read returns the decoded live dataset. On a decode failure the raw bytes
// are returned alongside the error for the repair pass, on a read failure raw
// is nil.
func (s *Store) read() (*types.Dataset, []byte, error) {
	raw, err := ioutil.ReadFile(s.cfg.DataPath)
	if err != nil {
		return nil, nil, err
	}
	ds, err := decodeDataset(raw)
	if err != nil {
		return nil, raw, err
	}
	return ds, raw, nil
}

func (s *Store) saveLocked(ds *types.Dataset) error {
	if ds == nil || ds.Groups == nil || ds.Abonents == nil || ds.Settings == nil {
		return ErrInvalidShape
	}
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal dataset: %w", err)
	}

	if s.cfg.LockPath != "" {
		fileLock := flock.New(s.cfg.LockPath)
		if err := fileLock.Lock(); err != nil {
			return fmt.Errorf("could not acquire dataset lock: %w", err)
		}
		defer fileLock.Unlock()
	}

	if err := s.backup(); err != nil {
		return err
	}

	dir := filepath.Dir(s.cfg.DataPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create data directory: %w", err)
	}
	tmp, err := ioutil.TempFile(dir, ".dataset-*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("could not write dataset: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("could not sync dataset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not close temporary file: %w", err)
	}
	if err := os.Rename(tmpName, s.cfg.DataPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not replace dataset: %w", err)
	}
	return nil
}

// backup snapshots the current live file into the backup directory. Skipped
// when no live file exists yet.
func (s *Store) backup() error {
	raw, err := ioutil.ReadFile(s.cfg.DataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("could not read dataset for backup: %w", err)
	}
	if err := os.MkdirAll(s.cfg.BackupDir, 0o755); err != nil {
		return fmt.Errorf("could not create backup directory: %w", err)
	}
	// zero-padded nanosecond timestamps keep the lexicographic order equal to
	// the chronological order
	name := fmt.Sprintf("%s%020d%s", backupPrefix, time.Now().UnixNano(), backupSuffix)
	if err := ioutil.WriteFile(filepath.Join(s.cfg.BackupDir, name), raw, 0o644); err != nil {
		return fmt.Errorf("could not write backup: %w", err)
	}
	return nil
}

// recoverLocked runs the recovery chain: repair heuristic, then backups
// newest-first, then the default dataset. Whatever wins is promoted to be the
// new live file.
func (s *Store) recoverLocked(raw []byte) *types.Dataset {
	repaired := repair(raw)
	if ds, err := decodeDataset(repaired); err == nil {
		globals.AppLogger.Info("dataset repaired in place")
		if err := s.saveLocked(ds); err != nil {
			globals.AppLogger.Error("could not persist repaired dataset", "error", err)
		}
		return ds
	}

	for _, backupPath := range s.backupsNewestFirst() {
		backupRaw, err := ioutil.ReadFile(backupPath)
		if err != nil {
			globals.AppLogger.Error("could not read backup", "backup", backupPath, "error", err)
			continue
		}
		ds, err := decodeDataset(backupRaw)
		if err != nil {
			globals.AppLogger.Warn("skipping invalid backup", "backup", backupPath, "error", err)
			continue
		}
		globals.AppLogger.Info("restored dataset from backup", "backup", backupPath)
		if err := s.saveLocked(ds); err != nil {
			globals.AppLogger.Error("could not promote backup to live file", "error", err)
		}
		return ds
	}

	globals.AppLogger.Warn("no valid backup found, resetting to default dataset")
	return s.resetLocked()
}

func (s *Store) resetLocked() *types.Dataset {
	ds := types.NewDataset()
	if err := s.saveLocked(ds); err != nil {
		globals.AppLogger.Error("could not persist default dataset", "error", err)
	}
	return ds
}

func (s *Store) backupsNewestFirst() []string {
	pattern := filepath.Join(s.cfg.BackupDir, backupPrefix+"*"+backupSuffix)
	backups, err := filepath.Glob(pattern)
	if err != nil {
		globals.AppLogger.Error("could not list backups", "error", err)
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups
}

// PruneBackups removes all but the newest keep snapshots. keep <= 0 keeps
// everything, which is the legacy behavior.
func (s *Store) PruneBackups(keep int) error {
	if keep <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	backups := s.backupsNewestFirst()
	if len(backups) <= keep {
		return nil
	}
	for _, backupPath := range backups[keep:] {
		if err := os.Remove(backupPath); err != nil {
			return fmt.Errorf("could not remove backup %s: %w", backupPath, err)
		}
	}
	return nil
}

// repair is a narrow legacy-compatibility shim, not a general JSON fixer. It
// is always followed by strict validation in decodeDataset.
func repair(raw []byte) []byte {
	repaired := trailingCommaRe.ReplaceAll(raw, []byte("$1"))
	repaired = doubledEmptyRe.ReplaceAll(repaired, []byte("{}"))
	return repaired
}

// decodeDataset parses and structurally validates raw. All three top-level
// members must be present with the correct container type. Settings values
// are free-form, only the object shape itself is checked.
func decodeDataset(raw []byte) (*types.Dataset, error) {
	shape := struct {
		Groups   *[]types.Group          `json:"groups"`
		Abonents *[]types.Abonent        `json:"abonents"`
		Settings *map[string]interface{} `json:"settings"`
	}{}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, fmt.Errorf("could not parse dataset: %w", err)
	}
	if shape.Groups == nil || shape.Abonents == nil || shape.Settings == nil {
		return nil, ErrInvalidShape
	}
	return &types.Dataset{
		Groups:   *shape.Groups,
		Abonents: *shape.Abonents,
		Settings: *shape.Settings,
	}, nil
}
