package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchgrid/consolehub/types"
)

func newTestStore(t *testing.T) *Store {
	dir := t.TempDir()
	return New(Config{
		DataPath:  filepath.Join(dir, "data.json"),
		BackupDir: filepath.Join(dir, "backups"),
	})
}

func datasetWithRev(rev int) *types.Dataset {
	ds := types.NewDataset()
	ds.Settings["rev"] = strconv.Itoa(rev)
	return ds
}

func TestLoadFirstUse(t *testing.T) {
	s := newTestStore(t)
	ds := s.Load()
	require.NotNil(t, ds)
	assert.NotNil(t, ds.Groups)
	assert.NotNil(t, ds.Abonents)
	assert.NotNil(t, ds.Settings)

	// the synthesized default must have been persisted
	raw, err := ioutil.ReadFile(s.cfg.DataPath)
	require.NoError(t, err)
	onDisk, err := decodeDataset(raw)
	require.NoError(t, err)
	assert.Equal(t, ds, onDisk)
}

func TestSaveRejectsInvalidShape(t *testing.T) {
	s := newTestStore(t)
	err := s.Save(&types.Dataset{Groups: nil, Abonents: []types.Abonent{}, Settings: map[string]interface{}{}})
	assert.True(t, errors.Is(err, ErrInvalidShape))
	err = s.Save(nil)
	assert.True(t, errors.Is(err, ErrInvalidShape))

	// nothing must have touched the disk
	_, err = os.Stat(s.cfg.DataPath)
	assert.True(t, os.IsNotExist(err))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Round(time.Second)
	ds := types.NewDataset()
	ds.Groups = append(ds.Groups, types.Group{Id: 1, Title: "alpha", Status: types.StatusOffline, Members: []string{"op1"}, CreatedAt: now})
	ds.Abonents = append(ds.Abonents, types.Abonent{Id: "op1", Name: "Operator 1", Color: "#ff0000", CreatedAt: now})
	ds.Settings["dispatcher"] = "16"
	require.NoError(t, s.Save(ds))

	loaded := s.Load()
	assert.Equal(t, 1, len(loaded.Groups))
	assert.Equal(t, "alpha", loaded.Groups[0].Title)
	assert.Equal(t, "op1", loaded.Abonents[0].Id)
	assert.Equal(t, "16", loaded.Settings["dispatcher"])
}

func TestLoadKeepsNonStringSettings(t *testing.T) {
	s := newTestStore(t)
	legacy := `{
  "groups": [],
  "abonents": [{"id": "op1", "name": "Operator 1", "online": false, "createdAt": "2024-01-01T00:00:00Z"}],
  "settings": {"ip": "10.21.50.6", "port": 2323, "dispatcher": 16}
}`
	require.NoError(t, os.MkdirAll(filepath.Dir(s.cfg.DataPath), 0o755))
	require.NoError(t, ioutil.WriteFile(s.cfg.DataPath, []byte(legacy), 0o644))

	// numeric settings values are legitimate, this must not enter recovery
	ds := s.Load()
	require.Equal(t, 1, len(ds.Abonents))
	assert.Equal(t, "op1", ds.Abonents[0].Id)
	assert.Equal(t, "10.21.50.6", ds.Settings["ip"])
	assert.Equal(t, float64(2323), ds.Settings["port"])
	assert.Equal(t, float64(16), ds.Settings["dispatcher"])

	// and the live file is untouched, no backup or reset happened
	assert.Equal(t, 0, len(s.backupsNewestFirst()))
	raw, err := ioutil.ReadFile(s.cfg.DataPath)
	require.NoError(t, err)
	assert.JSONEq(t, legacy, string(raw))
}

func TestConcurrentSavesAndLoads(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(datasetWithRev(0)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for rev := 1; rev <= 20; rev++ {
			require.NoError(t, s.Save(datasetWithRev(rev)))
		}
	}()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ds := s.Load()
				// a concurrent load must always observe a committed state
				require.NotNil(t, ds.Settings)
				revStr, ok := ds.Settings["rev"].(string)
				require.True(t, ok)
				rev, err := strconv.Atoi(revStr)
				require.NoError(t, err)
				require.GreaterOrEqual(t, rev, 0)
				require.LessOrEqual(t, rev, 20)
			}
		}()
	}
	wg.Wait()

	final := s.Load()
	assert.Equal(t, "20", final.Settings["rev"])
}

func TestRepairHeuristic(t *testing.T) {
	s := newTestStore(t)
	damaged := `{"groups": [], "abonents": [{"id": "op1", "name": "Operator 1", "online": false},], "settings": {"a": "1",},}`
	require.NoError(t, os.MkdirAll(filepath.Dir(s.cfg.DataPath), 0o755))
	require.NoError(t, ioutil.WriteFile(s.cfg.DataPath, []byte(damaged), 0o644))

	ds := s.Load()
	require.Equal(t, 1, len(ds.Abonents))
	assert.Equal(t, "op1", ds.Abonents[0].Id)
	assert.Equal(t, "1", ds.Settings["a"])

	// the repaired content must have been promoted to the live file
	raw, err := ioutil.ReadFile(s.cfg.DataPath)
	require.NoError(t, err)
	_, err = decodeDataset(raw)
	assert.NoError(t, err)
}

func TestRecoveryPicksNewestValidBackup(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(datasetWithRev(1)))
	require.NoError(t, s.Save(datasetWithRev(2))) // snapshots rev 1
	require.NoError(t, s.Save(datasetWithRev(3))) // snapshots rev 2

	backups := s.backupsNewestFirst()
	require.Equal(t, 2, len(backups))

	// damage the live file beyond repair and poison the newest backup
	require.NoError(t, ioutil.WriteFile(s.cfg.DataPath, []byte("{{{"), 0o644))
	require.NoError(t, ioutil.WriteFile(backups[0], []byte(`"not a dataset"`), 0o644))

	ds := s.Load()
	assert.Equal(t, "1", ds.Settings["rev"])

	// the winning backup must have been promoted, a second load sees it too
	assert.Equal(t, "1", s.Load().Settings["rev"])
}

func TestRecoveryFallsBackToDefault(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.cfg.DataPath), 0o755))
	require.NoError(t, ioutil.WriteFile(s.cfg.DataPath, []byte("garbage"), 0o644))

	ds := s.Load()
	require.NotNil(t, ds)
	assert.Equal(t, 0, len(ds.Groups))
	assert.Equal(t, 0, len(ds.Abonents))

	// persisted, so the next load returns the same content
	again := s.Load()
	assert.Equal(t, ds, again)
}

func TestUpdateIsReadModifyWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(datasetWithRev(1)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(func(ds *types.Dataset) error {
				rev, err := strconv.Atoi(ds.Settings["rev"].(string))
				if err != nil {
					return err
				}
				ds.Settings["rev"] = strconv.Itoa(rev + 1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, "11", s.Load().Settings["rev"])
}

func TestPruneBackups(t *testing.T) {
	s := newTestStore(t)
	for rev := 0; rev < 6; rev++ {
		require.NoError(t, s.Save(datasetWithRev(rev)))
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 5, len(s.backupsNewestFirst()))

	require.NoError(t, s.PruneBackups(2))
	backups := s.backupsNewestFirst()
	require.Equal(t, 2, len(backups))

	// the newest snapshots survive
	raw, err := ioutil.ReadFile(backups[0])
	require.NoError(t, err)
	ds, err := decodeDataset(raw)
	require.NoError(t, err)
	assert.Equal(t, "4", ds.Settings["rev"])
}

func TestBackupNamesSortChronologically(t *testing.T) {
	names := make([]string, 0)
	for i := 0; i < 3; i++ {
		names = append(names, fmt.Sprintf("%s%020d%s", backupPrefix, time.Now().UnixNano(), backupSuffix))
		time.Sleep(time.Millisecond)
	}
	assert.True(t, names[0] < names[1] && names[1] < names[2])
}

func TestDecodeDatasetShape(t *testing.T) {
	_, err := decodeDataset([]byte(`{"groups": [], "abonents": []}`))
	assert.True(t, errors.Is(err, ErrInvalidShape))

	_, err = decodeDataset([]byte(`{"groups": {}, "abonents": [], "settings": {}}`))
	assert.Error(t, err)

	_, err = decodeDataset([]byte(`{"groups": null, "abonents": [], "settings": {}}`))
	assert.True(t, errors.Is(err, ErrInvalidShape))

	ds, err := decodeDataset([]byte(`{"groups": [], "abonents": [], "settings": {}}`))
	require.NoError(t, err)
	raw, err := json.Marshal(ds)
	require.NoError(t, err)
	assert.JSONEq(t, `{"groups": [], "abonents": [], "settings": {}}`, string(raw))
}
