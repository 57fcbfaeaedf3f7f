package archive

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchgrid/consolehub/config"
)

func archiveConfig(archiveType, dsn string) *config.Config {
	return &config.Config{ArchiveConfig: config.ArchiveConfig{Type: archiveType, DSN: dsn}}
}

func seedRecords(t *testing.T, a Archiver, base time.Time, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		record := &Record{
			Kind:      "ptt_event",
			GroupId:   "1",
			AbonentId: fmt.Sprintf("op%d", i),
			Body:      fmt.Sprintf("event %d", i),
			Created:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, record.CreateId())
		require.NoError(t, a.StoreRecord(record))
	}
}

func TestNewArchiverUnconfigured(t *testing.T) {
	a, err := NewArchiver(archiveConfig("", ""))
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = NewArchiver(archiveConfig("etcd", "whatever"))
	assert.Error(t, err)
}

func TestCreateIdIsContentDerived(t *testing.T) {
	r1 := &Record{Kind: "ptt_event", GroupId: "1", AbonentId: "op1", Body: "a"}
	r2 := &Record{Kind: "ptt_event", GroupId: "1", AbonentId: "op1", Body: "a"}
	require.NoError(t, r1.CreateId())
	require.NoError(t, r2.CreateId())
	assert.Equal(t, r1.Id, r2.Id)

	r2.Body = "b"
	require.NoError(t, r2.CreateId())
	assert.NotEqual(t, r1.Id, r2.Id)
}

func TestBuntArchiverHistory(t *testing.T) {
	a, err := NewArchiver(archiveConfig("buntdb", ":memory:"))
	require.NoError(t, err)
	require.NotNil(t, a)
	defer a.Close()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedRecords(t, a, base, 3)

	records, err := a.GetHistory(base.Add(-time.Minute), base.Add(5*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	// newest first
	assert.Equal(t, "op2", records[0].AbonentId)
	assert.Equal(t, "op0", records[2].AbonentId)

	records, err = a.GetHistory(base.Add(-time.Minute), base.Add(5*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "op2", records[0].AbonentId)
	assert.Equal(t, "op1", records[1].AbonentId)

	// range excludes records outside it
	records, err = a.GetHistory(base.Add(30*time.Second), base.Add(90*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "op1", records[0].AbonentId)
}

func TestGormArchiverHistory(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "archive.db")
	a, err := NewArchiver(archiveConfig("sqlite", dsn))
	require.NoError(t, err)
	require.NotNil(t, a)
	defer a.Close()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedRecords(t, a, base, 3)

	records, err := a.GetHistory(base.Add(-time.Minute), base.Add(5*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "op2", records[0].AbonentId)
	assert.Equal(t, "op1", records[1].AbonentId)
}
