package outbox

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
)

// maxDLQErrorLen bounds error_message in bytes.
const maxDLQErrorLen = 1024

// DLQRepository stores events the publisher gave up on.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// InsertTx writes entry in the publisher's transaction so parking an event and
// marking it terminal commit together.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ErrorMessage != nil {
		msg := truncateUTF8(*entry.ErrorMessage, maxDLQErrorLen)
		entry.ErrorMessage = &msg
	}
	return tx.Create(&entry).Error
}

// FindByEventID returns nil without error when the event was never parked.
func (r *DLQRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error) {
	var row models.OutboxDLQ
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Recent lists parked events newest first.
func (r *DLQRepository) Recent(ctx context.Context, limit int) ([]models.OutboxDLQ, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.OutboxDLQ
	err := r.db.WithContext(ctx).Order("failed_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// DeleteFailedBefore prunes parked events older than cutoff.
func (r *DLQRepository) DeleteFailedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	res := tx.WithContext(ctx).Where("failed_at < ?", cutoff.UTC()).Delete(&models.OutboxDLQ{})
	return res.RowsAffected, res.Error
}
