package storage

import (
	"context"
	"errors"

	"github.com/xaenox/chatstream/internal/models"
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrBadCursor       = errors.New("malformed pagination cursor")
)

// Storage is the durable conversation store: threads, ordered
// messages, live stream deltas, and the subject walk used by the
// retention sweep. Message positions are assigned at append time and
// are the single serialization point for concurrent writers.
type Storage interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	UpdateThreadTitle(ctx context.Context, threadID, title string) error
	UpdateThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus) error
	ListThreadsByUser(ctx context.Context, userID string, opts models.PaginationOpts) (*models.ThreadPage, error)
	SearchThreadsByTitle(ctx context.Context, userID, query string, limit int) ([]*models.Thread, error)

	// AppendMessage assigns the next position in the thread and fills
	// it in on the passed message.
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, threadID string, opts models.PaginationOpts) (*models.MessagePage, error)
	LatestMessages(ctx context.Context, threadID string, n int) ([]*models.Message, error)
	CountMessages(ctx context.Context, threadID string) (int, error)
	DeleteMessagesBatch(ctx context.Context, threadID string, n int) (int, error)

	// AppendDelta grows a streaming message's content; deltas are
	// visible to readers as a monotonically growing prefix.
	AppendDelta(ctx context.Context, messageID string, seq int, text string) error
	SyncStreams(ctx context.Context, threadID string, cursors []models.StreamCursor) ([]models.StreamDelta, error)
	FinalizeMessage(ctx context.Context, messageID string) error

	ListUsersWithThreads(ctx context.Context, opts models.PaginationOpts) (*models.UserPage, error)

	Close() error
}
