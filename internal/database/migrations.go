package database

import (
	"fmt"
	"time"

	"github.com/littleblessing/backend/internal/blessings"
	"github.com/littleblessing/backend/internal/docstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationBackfillDefaultTier    = "2025-11-02_backfill_default_tier"
	migrationSeedCollectionRevision = "2025-11-20_seed_collection_revisions"
)

// ledgerEntry marks a one-off data migration as done.
type ledgerEntry struct {
	Name      string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAt int64  `gorm:"column:applied_at_s;not null"`
}

func (ledgerEntry) TableName() string {
	return "db_migrations"
}

type dataMigration struct {
	name string
	run  func(tx *gorm.DB) error
}

var dataMigrations = []dataMigration{
	{name: migrationBackfillDefaultTier, run: backfillDefaultTier},
	{name: migrationSeedCollectionRevision, run: seedCollectionRevisions},
}

// runDataMigrations applies pending migrations in order. Each one commits
// together with its ledger row.
func runDataMigrations(db *gorm.DB, now func() time.Time, logger *zap.Logger) error {
	var done []ledgerEntry
	if err := db.Find(&done).Error; err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}
	applied := make(map[string]struct{}, len(done))
	for _, entry := range done {
		applied[entry.Name] = struct{}{}
	}

	for _, migration := range dataMigrations {
		if _, ok := applied[migration.name]; ok {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.run(tx); err != nil {
				return err
			}
			return tx.Create(&ledgerEntry{Name: migration.name, AppliedAt: now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		logger.Info("data migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillDefaultTier assigns the default tier to documents written before tiers were stored.
func backfillDefaultTier(tx *gorm.DB) error {
	return tx.Model(&docstore.Document{}).
		Where("tier = ''").
		Update("tier", string(blessings.TierBronze)).Error
}

// seedCollectionRevisions gives every populated collection a revision row, so
// subscribers in other processes see a non-zero revision before the first write.
func seedCollectionRevisions(tx *gorm.DB) error {
	var collections []string
	if err := tx.Model(&docstore.Document{}).Distinct("collection").Pluck("collection", &collections).Error; err != nil {
		return err
	}
	for _, collection := range collections {
		revision := docstore.CollectionRevision{Collection: collection, Revision: 1}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&revision).Error; err != nil {
			return err
		}
	}
	return nil
}
