package archive

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/dispatchgrid/consolehub/config"
)

type GormArchiver struct {
	db *gorm.DB
}

func NewGormArchiver(cfg *config.Config) (Archiver, error) {
	if cfg.ArchiveConfig.DSN == "" {
		return nil, fmt.Errorf("%s archive needs a dsn", cfg.ArchiveConfig.Type)
	}
	var dial gorm.Dialector
	switch cfg.ArchiveConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.ArchiveConfig.DSN)
	case "sqlite":
		dial = sqlite.Open(cfg.ArchiveConfig.DSN)
	default:
		return nil, fmt.Errorf("invalid archive type %q", cfg.ArchiveConfig.Type)
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.Migrator().AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &GormArchiver{db: db}, nil
}

func (a *GormArchiver) StoreRecord(record *Record) error {
	return a.db.Create(record).Error
}

func (a *GormArchiver) GetHistory(fromTs, toTs time.Time, maxCount int) ([]*Record, error) {
	records := make([]*Record, 0)
	q := a.db.Where("created BETWEEN ? AND ?", fromTs, toTs).Order("created DESC")
	if maxCount > 0 {
		q = q.Limit(maxCount)
	}
	err := q.Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (a *GormArchiver) Close() error {
	return nil
}
