// Package sqlite keeps the terminal-local activity log in an embedded
// database. Entries are append-only audit records; every write is
// best-effort and callers only log failures.
package sqlite

import (
	"context"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dumu-tech/mesa-terminal/internal/core"
)

// ActivityLog implements core.ActivityRecorder using GORM with the sqlite driver
type ActivityLog struct {
	db *gorm.DB
}

// NewActivityLog opens (and migrates) the activity database at path.
func NewActivityLog(path string) (*ActivityLog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open activity database: %w", err)
	}
	if err := db.AutoMigrate(&core.ActivityEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate activity database: %w", err)
	}
	return &ActivityLog{db: db}, nil
}

// Record appends one audit entry.
func (a *ActivityLog) Record(ctx context.Context, entry core.ActivityEntry) error {
	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// ByOperation returns the entries for one operation, oldest first.
func (a *ActivityLog) ByOperation(ctx context.Context, operationID string) ([]core.ActivityEntry, error) {
	var entries []core.ActivityEntry
	err := a.db.WithContext(ctx).
		Where("operation_id = ?", operationID).
		Order("`when` asc, id asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load activity for operation %s: %w", operationID, err)
	}
	return entries, nil
}
