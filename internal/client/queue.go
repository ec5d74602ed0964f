package client

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// QueuedSubmission is a submission that could not reach the backend. The
// multipart body is stored as opaque bytes plus its content-type header; the
// queue never interprets multipart structure. The auto-increment ID preserves
// arrival order.
type QueuedSubmission struct {
	ID          uint   `gorm:"primaryKey"`
	PhotoURI    string `gorm:"size:512"`
	FileName    string `gorm:"size:255"`
	ContentType string `gorm:"size:255"`
	Payload     []byte
	CreatedAt   time.Time
}

// SubmitFunc attempts one remote submission of a queued item.
type SubmitFunc func(ctx context.Context, item *QueuedSubmission) error

// Queue durably buffers failed submissions in a local SQLite file so they
// survive process restarts. Items leave the queue only after a confirmed
// successful replay.
type Queue struct {
	db *gorm.DB
}

// OpenQueue opens (or creates) the queue database at path.
func OpenQueue(path string) (*Queue, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&QueuedSubmission{}); err != nil {
		return nil, err
	}
	return &Queue{db: db}, nil
}

// Enqueue appends the item to the tail and persists it.
func (q *Queue) Enqueue(item *QueuedSubmission) error {
	item.ID = 0 // let SQLite assign the next position
	return q.db.Create(item).Error
}

// Items returns the queue in FIFO order.
func (q *Queue) Items() ([]QueuedSubmission, error) {
	var items []QueuedSubmission
	if err := q.db.Order("id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// Len returns the number of queued submissions.
func (q *Queue) Len() (int64, error) {
	var count int64
	if err := q.db.Model(&QueuedSubmission{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ReplayAll submits queued items strictly head first. An item is removed iff
// its attempt succeeded; the first failure stops the loop and leaves the
// remainder queued, order intact, for a future trigger. It returns the number
// of items replayed and the error that stopped the loop (nil when drained).
func (q *Queue) ReplayAll(ctx context.Context, submit SubmitFunc) (int, error) {
	replayed := 0
	for {
		var head QueuedSubmission
		err := q.db.Order("id asc").First(&head).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return replayed, nil
		}
		if err != nil {
			return replayed, err
		}

		if err := submit(ctx, &head); err != nil {
			return replayed, err
		}
		if err := q.db.Delete(&QueuedSubmission{}, head.ID).Error; err != nil {
			return replayed, err
		}
		replayed++
	}
}
