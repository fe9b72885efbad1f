package storage

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/chatstream/internal/models"
)

func newThread(t *testing.T, s *MemoryStorage, id, userID string, createdAt time.Time) *models.Thread {
	t.Helper()
	thread := &models.Thread{
		ID:        id,
		UserID:    userID,
		Status:    models.ThreadActive,
		ModelID:   "openai/gpt-4.1-nano",
		CreatedAt: createdAt,
	}
	require.NoError(t, s.CreateThread(context.Background(), thread))
	return thread
}

func appendMsg(t *testing.T, s *MemoryStorage, threadID, userID, content string) *models.Message {
	t.Helper()
	msg := &models.Message{
		ID:        "msg-" + threadID + "-" + content,
		ThreadID:  threadID,
		UserID:    userID,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.AppendMessage(context.Background(), msg))
	return msg
}

func TestAppendMessageAssignsIncreasingPositions(t *testing.T) {
	s := NewMemoryStorage()
	newThread(t, s, "t1", "u1", time.Now())

	for i := 0; i < 5; i++ {
		msg := appendMsg(t, s, "t1", "u1", strconv.Itoa(i))
		assert.Equal(t, i, msg.Position)
	}
}

func TestListMessagesPaginationIdempotent(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	newThread(t, s, "t1", "u1", time.Now())
	for i := 0; i < 7; i++ {
		appendMsg(t, s, "t1", "u1", strconv.Itoa(i))
	}

	opts := models.PaginationOpts{NumItems: 3}
	first, err := s.ListMessages(ctx, "t1", opts)
	require.NoError(t, err)
	again, err := s.ListMessages(ctx, "t1", opts)
	require.NoError(t, err)
	assert.Equal(t, first, again, "re-fetch with identical args returns identical page")

	require.Len(t, first.Items, 3)
	assert.False(t, first.IsDone)

	second, err := s.ListMessages(ctx, "t1", models.PaginationOpts{Cursor: first.ContinueCursor, NumItems: 3})
	require.NoError(t, err)
	require.Len(t, second.Items, 3)
	assert.Equal(t, 3, second.Items[0].Position)

	third, err := s.ListMessages(ctx, "t1", models.PaginationOpts{Cursor: second.ContinueCursor, NumItems: 3})
	require.NoError(t, err)
	require.Len(t, third.Items, 1)
	assert.True(t, third.IsDone)
}

func TestDeltasGrowContentMonotonically(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	newThread(t, s, "t1", "u1", time.Now())

	msg := &models.Message{
		ID:        "m1",
		ThreadID:  "t1",
		UserID:    "u1",
		Role:      models.RoleAssistant,
		Streaming: true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.AppendMessage(ctx, msg))

	require.NoError(t, s.AppendDelta(ctx, "m1", 0, "Hel"))
	require.NoError(t, s.AppendDelta(ctx, "m1", 1, "lo"))

	deltas, err := s.SyncStreams(ctx, "t1", nil)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, "Hel", deltas[0].Text)

	// A reader that has seen seq 0 only gets the tail.
	deltas, err = s.SyncStreams(ctx, "t1", []models.StreamCursor{{MessageID: "m1", Seq: 0}})
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "lo", deltas[0].Text)

	page, err := s.ListMessages(ctx, "t1", models.PaginationOpts{NumItems: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Hello", page.Items[0].Content)

	require.NoError(t, s.FinalizeMessage(ctx, "m1"))
	deltas, err = s.SyncStreams(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Empty(t, deltas, "finalized messages stop streaming")
}

func TestListThreadsByUserNewestFirst(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	newThread(t, s, "t1", "u1", base)
	newThread(t, s, "t2", "u1", base.Add(time.Hour))
	newThread(t, s, "t3", "u2", base.Add(2*time.Hour))

	page, err := s.ListThreadsByUser(ctx, "u1", models.PaginationOpts{NumItems: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "t2", page.Items[0].ID)
	assert.Equal(t, "t1", page.Items[1].ID)
	assert.True(t, page.IsDone)
}

func TestSearchThreadsByTitle(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	newThread(t, s, "t1", "u1", time.Now())
	newThread(t, s, "t2", "u1", time.Now())
	newThread(t, s, "t3", "u2", time.Now())
	require.NoError(t, s.UpdateThreadTitle(ctx, "t1", "Trip planning to Kyoto"))
	require.NoError(t, s.UpdateThreadTitle(ctx, "t2", "Grocery list"))
	require.NoError(t, s.UpdateThreadTitle(ctx, "t3", "Kyoto food guide"))

	matches, err := s.SearchThreadsByTitle(ctx, "u1", "kyoto", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "t1", matches[0].ID, "search is scoped to the subject")
}

func TestDeleteMessagesBatch(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	newThread(t, s, "t1", "u1", time.Now())
	for i := 0; i < 5; i++ {
		appendMsg(t, s, "t1", "u1", strconv.Itoa(i))
	}

	deleted, err := s.DeleteMessagesBatch(ctx, "t1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	count, err := s.CountMessages(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	deleted, err = s.DeleteMessagesBatch(ctx, "t1", 100)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

func TestListUsersWithThreadsPages(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	newThread(t, s, "t1", "anon_a", time.Now())
	newThread(t, s, "t2", "anon_a", time.Now())
	newThread(t, s, "t3", "user_b", time.Now())
	newThread(t, s, "t4", "user_c", time.Now())

	page, err := s.ListUsersWithThreads(ctx, models.PaginationOpts{NumItems: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"anon_a", "user_b"}, page.Users)
	assert.False(t, page.IsDone)

	page, err = s.ListUsersWithThreads(ctx, models.PaginationOpts{Cursor: page.ContinueCursor, NumItems: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"user_c"}, page.Users)
	assert.True(t, page.IsDone)
}
