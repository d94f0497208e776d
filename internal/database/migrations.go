package database

import (
	"errors"
	"time"

	"github.com/andepants/figma-clone-sub001/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeRootParents = "2024-06-01_normalize_root_parents"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeRootParents, apply: normalizeRootParents},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeRootParents turns empty-string parents into NULL so every root is stored the
// same way.
func normalizeRootParents(db *gorm.DB) error {
	return db.Model(&entities.Entity{}).
		Where("parent_id = ?", "").
		Update("parent_id", nil).Error
}
