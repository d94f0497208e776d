package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KVEntry is the persisted row behind SQLiteBackend.
type KVEntry struct {
	Path             string `gorm:"column:path;primaryKey;size:512;not null"`
	Value            []byte `gorm:"column:value;type:blob;not null"`
	Revision         uint64 `gorm:"column:revision;not null;index"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (KVEntry) TableName() string {
	return "kv_entries"
}

var errMissingDatabase = errors.New("store: database handle is required")

// SQLiteBackend persists entries through gorm. The schema is migrated by the database package.
type SQLiteBackend struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLiteBackend wraps a migrated gorm handle.
func NewSQLiteBackend(db *gorm.DB, clock func() time.Time) (*SQLiteBackend, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteBackend{db: db, clock: clock}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, path string) (Entry, bool, error) {
	var row KVEntry
	err := b.db.WithContext(ctx).Where("path = ?", path).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Value: row.Value, Revision: row.Revision}, true, nil
}

func (b *SQLiteBackend) Scan(ctx context.Context, prefix string) (map[string]Entry, error) {
	var rows []KVEntry
	if err := b.db.WithContext(ctx).
		Where(`path LIKE ? ESCAPE '\'`, escapeLike(prefix+pathSeparator)+"%").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make(map[string]Entry, len(rows))
	for _, row := range rows {
		result[row.Path] = Entry{Value: row.Value, Revision: row.Revision}
	}
	return result, nil
}

func (b *SQLiteBackend) Apply(ctx context.Context, mutations []Mutation) error {
	updatedAt := b.clock().UTC().Unix()
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, mutation := range mutations {
			if mutation.Value == nil {
				if err := tx.Where("path = ?", mutation.Path).Delete(&KVEntry{}).Error; err != nil {
					return err
				}
				continue
			}
			row := KVEntry{
				Path:             mutation.Path,
				Value:            mutation.Value,
				Revision:         mutation.Revision,
				UpdatedAtSeconds: updatedAt,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "path"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "revision", "updated_at_s"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *SQLiteBackend) LatestRevision(ctx context.Context) (uint64, error) {
	var latest uint64
	if err := b.db.WithContext(ctx).
		Model(&KVEntry{}).
		Select("COALESCE(MAX(revision), 0)").
		Scan(&latest).Error; err != nil {
		return 0, err
	}
	return latest, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
