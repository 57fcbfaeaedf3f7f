package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/dispatchgrid/consolehub/config"
)

type BuntArchiver struct {
	db *buntdb.DB
}

func NewBuntArchiver(cfg *config.Config) (Archiver, error) {
	if cfg.ArchiveConfig.DSN == "" {
		return nil, fmt.Errorf("buntdb archive needs a dsn")
	}
	db, err := buntdb.Open(cfg.ArchiveConfig.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.CreateIndex("recordsts", "record:*", buntdb.IndexJSON("created")); err != nil {
		db.Close()
		return nil, err
	}
	return &BuntArchiver{db: db}, nil
}

func (a *BuntArchiver) StoreRecord(record *Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("record:"+record.Id, string(raw), nil)
		return err
	})
}

func (a *BuntArchiver) GetHistory(fromTs, toTs time.Time, maxCount int) ([]*Record, error) {
	records := make([]*Record, 0)

	fromCond := fmt.Sprintf(`{"created":"%s"}`, fromTs.In(time.UTC).Format(time.RFC3339))
	toCond := fmt.Sprintf(`{"created":"%s"}`, toTs.In(time.UTC).Format(time.RFC3339))

	err := a.db.View(func(tx *buntdb.Tx) error {
		count := 0
		return tx.DescendRange("recordsts", toCond, fromCond, func(key, val string) bool {
			record := &Record{}
			if err := json.Unmarshal([]byte(val), record); err == nil {
				records = append(records, record)
			}
			count++
			return maxCount <= 0 || count < maxCount
		})
	})
	return records, err
}

func (a *BuntArchiver) Close() error {
	return a.db.Close()
}
