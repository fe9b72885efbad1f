// Package sweeper reclaims anonymous conversations older than the
// retention window. It runs on a daily cron, walks the store directly,
// and archives rather than deletes threads: messages go, the thread
// row stays with status archived.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/chatstream/internal/identity"
	"github.com/xaenox/chatstream/internal/models"
	"github.com/xaenox/chatstream/internal/storage"
)

const (
	userPageSize     = 100
	threadPageSize   = 50
	deleteBatchSize  = 100
	DefaultRetention = 7 * 24 * time.Hour
)

// Summary is the outcome of one sweep.
type Summary struct {
	ProcessedUsers  int
	ArchivedThreads int
	DeletedMessages int
	Success         bool
}

type Sweeper struct {
	store     storage.Storage
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func New(store storage.Storage, retention time.Duration, logger *zap.Logger) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes one full sweep. Per-thread failures are logged and
// skipped; only a failure to walk the store aborts the sweep.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	cutoff := s.now().Add(-s.retention)
	s.logger.Info("anonymous data cleanup started", zap.Time("cutoff", cutoff))

	summary := Summary{}
	cursor := ""
	for {
		page, err := s.store.ListUsersWithThreads(ctx, models.PaginationOpts{Cursor: cursor, NumItems: userPageSize})
		if err != nil {
			return summary, fmt.Errorf("error walking users: %w", err)
		}

		for _, userID := range page.Users {
			summary.ProcessedUsers++
			if !identity.IsAnonymous(userID) {
				continue
			}
			if err := s.sweepUser(ctx, userID, cutoff, &summary); err != nil {
				return summary, err
			}
		}

		if page.IsDone {
			break
		}
		cursor = page.ContinueCursor
	}

	summary.Success = true
	s.logger.Info("anonymous data cleanup completed",
		zap.Int("processed_users", summary.ProcessedUsers),
		zap.Int("archived_threads", summary.ArchivedThreads),
		zap.Int("deleted_messages", summary.DeletedMessages))
	return summary, nil
}

func (s *Sweeper) sweepUser(ctx context.Context, userID string, cutoff time.Time, summary *Summary) error {
	cursor := ""
	for {
		page, err := s.store.ListThreadsByUser(ctx, userID, models.PaginationOpts{Cursor: cursor, NumItems: threadPageSize})
		if err != nil {
			return fmt.Errorf("error walking threads for %s: %w", identity.Redact(userID), err)
		}

		for _, thread := range page.Items {
			if !thread.CreatedAt.Before(cutoff) || thread.Status == models.ThreadArchived {
				continue
			}
			deleted, err := s.archiveThread(ctx, thread.ID)
			if err != nil {
				// Skip and continue with remaining threads.
				s.logger.Error("error archiving thread",
					zap.Error(err),
					zap.String("thread_id", thread.ID))
				continue
			}
			summary.ArchivedThreads++
			summary.DeletedMessages += deleted
		}

		if page.IsDone {
			break
		}
		cursor = page.ContinueCursor
	}
	return nil
}

// archiveThread deletes a thread's messages in batches, then marks the
// thread archived.
func (s *Sweeper) archiveThread(ctx context.Context, threadID string) (int, error) {
	total := 0
	for {
		deleted, err := s.store.DeleteMessagesBatch(ctx, threadID, deleteBatchSize)
		if err != nil {
			return total, fmt.Errorf("error deleting messages: %w", err)
		}
		total += deleted
		if deleted < deleteBatchSize {
			break
		}
	}

	if err := s.store.UpdateThreadStatus(ctx, threadID, models.ThreadArchived); err != nil {
		return total, fmt.Errorf("error archiving thread: %w", err)
	}
	return total, nil
}
