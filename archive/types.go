package archive

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/dispatchgrid/consolehub/config"
)

// Record is one archived broadcast event (a fanned-out message or PTT
// trigger).
type Record struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	Kind      string    `json:"kind" gorm:"index"`
	GroupId   string    `json:"group_id"`
	AbonentId string    `json:"abonent_id"`
	Body      string    `json:"body"`
	Created   time.Time `json:"created" gorm:"index"`
}

// CreateId derives the record id from a hash over its content.
func (r *Record) CreateId() error {
	r.Id = ""
	hash, err := hashstructure.Hash(r, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	r.Id = fmt.Sprintf("%016x", hash)
	return nil
}

// Archiver is the storage backend for broadcast history.
type Archiver interface {
	StoreRecord(*Record) error
	// GetHistory returns records in the given time range, newest first,
	// at most maxCount (<= 0 means no limit).
	GetHistory(fromTs, toTs time.Time, maxCount int) ([]*Record, error)
	Close() error
}

// NewArchiver returns the configured archive backend, or nil if archiving is
// not configured.
func NewArchiver(cfg *config.Config) (Archiver, error) {
	switch cfg.ArchiveConfig.Type {
	case "":
		return nil, nil // no configuration, ignore the archiver
	case "buntdb":
		return NewBuntArchiver(cfg)
	case "sqlite", "postgres":
		return NewGormArchiver(cfg)
	default:
		return nil, fmt.Errorf("invalid archive type %q", cfg.ArchiveConfig.Type)
	}
}
