package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dffmpeg-io/coordinator/internal/db"
)

// gormDownlinkRepository is the GORM implementation of DownlinkRepository.
type gormDownlinkRepository struct {
	db *gorm.DB
}

// NewDownlinkRepository returns a DownlinkRepository backed by the provided *gorm.DB.
func NewDownlinkRepository(db *gorm.DB) DownlinkRepository {
	return &gormDownlinkRepository{db: db}
}

// Enqueue inserts downlink messages for later pickup. After insertion the
// caller is responsible for waking any long-poll waiting on the recipient.
func (r *gormDownlinkRepository) Enqueue(ctx context.Context, messages ...db.DownlinkMessage) error {
	if len(messages) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&messages).Error; err != nil {
		return fmt.Errorf("downlink: enqueue: %w", err)
	}
	return nil
}

// Drain returns up to max undelivered messages for the recipient in enqueue
// order (message IDs are ULIDs, so ID order is enqueue order) and stamps
// them delivered in the same transaction. On PostgreSQL the rows are locked
// with SKIP LOCKED so concurrent replicas hand out disjoint batches; a
// message is delivered at most once either way.
func (r *gormDownlinkRepository) Drain(ctx context.Context, recipientID string, max int, now time.Time) ([]db.DownlinkMessage, error) {
	var messages []db.DownlinkMessage

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Where("recipient_id = ? AND delivered_at IS NULL", recipientID).
			Order("message_id ASC")
		if max > 0 {
			query = query.Limit(max)
		}
		if db.SupportsRowLocking(tx) {
			query = query.Clauses(clause.Locking{
				Strength: "UPDATE",
				Options:  "SKIP LOCKED",
			})
		}
		if err := query.Find(&messages).Error; err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}

		ids := make([]string, len(messages))
		for i := range messages {
			ids[i] = messages[i].MessageID
			messages[i].DeliveredAt = &now
		}

		return tx.Model(&db.DownlinkMessage{}).
			Where("message_id IN ?", ids).
			UpdateColumn("delivered_at", now).Error
	})
	if err != nil {
		return nil, fmt.Errorf("downlink: drain: %w", err)
	}

	return messages, nil
}

// PendingCount reports how many undelivered messages wait for the recipient.
func (r *gormDownlinkRepository) PendingCount(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.DownlinkMessage{}).
		Where("recipient_id = ? AND delivered_at IS NULL", recipientID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("downlink: pending count: %w", err)
	}
	return count, nil
}

// PurgeDelivered permanently removes messages delivered before the cutoff.
// Intended to be called periodically by the janitor to keep the downlink
// table from growing without bound.
func (r *gormDownlinkRepository) PurgeDelivered(ctx context.Context, deliveredBefore time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("delivered_at IS NOT NULL AND delivered_at < ?", deliveredBefore).
		Delete(&db.DownlinkMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("downlink: purge delivered: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PurgeUndelivered permanently removes messages that were never picked up
// and have outlived their retention window, for example messages queued for
// a worker that never polled again.
func (r *gormDownlinkRepository) PurgeUndelivered(ctx context.Context, createdBefore time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("delivered_at IS NULL AND created_at < ?", createdBefore).
		Delete(&db.DownlinkMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("downlink: purge undelivered: %w", result.Error)
	}
	return result.RowsAffected, nil
}
