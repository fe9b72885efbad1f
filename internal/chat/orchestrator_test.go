package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/chatstream/internal/generation"
	"github.com/xaenox/chatstream/internal/identity"
	"github.com/xaenox/chatstream/internal/models"
	"github.com/xaenox/chatstream/internal/ratelimit"
	"github.com/xaenox/chatstream/internal/registry"
	"github.com/xaenox/chatstream/internal/storage"
)

type fakeGenerator struct {
	chunks     []string
	streamErr  error
	title      string
	titleErr   error
	titleCalls int
}

var _ generation.Generator = (*fakeGenerator)(nil)

func (g *fakeGenerator) StreamCompletion(ctx context.Context, modelID string, history []*models.Message, onDelta func(string) error) (string, error) {
	if g.streamErr != nil {
		return "", g.streamErr
	}
	full := ""
	for _, c := range g.chunks {
		if err := onDelta(c); err != nil {
			return full, err
		}
		full += c
	}
	return full, nil
}

func (g *fakeGenerator) GenerateTitle(ctx context.Context, modelID string, history []*models.Message, prompt string) (string, error) {
	g.titleCalls++
	if g.titleErr != nil {
		return "", g.titleErr
	}
	return g.title, nil
}

// recordScheduler captures jobs without running them.
type recordScheduler struct {
	jobs []GenerationJob
}

func (s *recordScheduler) Schedule(ctx context.Context, job GenerationJob) error {
	s.jobs = append(s.jobs, job)
	return nil
}

// syncScheduler runs each job inline so tests observe completed
// generation.
type syncScheduler struct {
	orch *Orchestrator
	jobs []GenerationJob
}

func (s *syncScheduler) Schedule(ctx context.Context, job GenerationJob) error {
	s.jobs = append(s.jobs, job)
	return s.orch.StreamResponse(ctx, job)
}

func newTestOrchestrator(t *testing.T, gen generation.Generator, sched Scheduler) (*Orchestrator, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.DefaultBuckets(), zap.NewNop())
	return New(store, limiter, gen, sched, zap.NewNop()), store
}

func TestSendMessagePersistsStreamsAndTitles(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"Hi", " there!"}, title: "Friendly greeting"}
	sched := &syncScheduler{}
	orch, store := newTestOrchestrator(t, gen, sched)
	sched.orch = orch
	ctx := context.Background()

	threadID, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)

	require.NoError(t, orch.SendMessage(ctx, threadID, "Hello", "", "user_u1", ""))

	page, _, err := orch.ListThreadMessages(ctx, threadID, models.PaginationOpts{NumItems: 10}, nil, "user_u1", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	user, assistant := page.Items[0], page.Items[1]
	assert.Equal(t, models.RoleUser, user.Role)
	assert.Equal(t, 0, user.Position)
	assert.Equal(t, "Hello", user.Content)
	assert.Equal(t, models.RoleAssistant, assistant.Role)
	assert.Equal(t, 1, assistant.Position)
	assert.Equal(t, "Hi there!", assistant.Content)
	assert.False(t, assistant.Streaming, "assistant message is finalized")

	// Message count 2 is the first title milestone.
	thread, err := store.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, "Friendly greeting", thread.Title)
	assert.Equal(t, 1, gen.titleCalls)
}

func TestSendMessagePositionsStrictlyIncreasing(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"ok"}, title: "t"}
	sched := &syncScheduler{}
	orch, store := newTestOrchestrator(t, gen, sched)
	sched.orch = orch
	ctx := context.Background()

	threadID, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, orch.SendMessage(ctx, threadID, fmt.Sprintf("msg %d", i), "", "user_u1", ""))
	}

	msgs, err := store.LatestMessages(ctx, threadID, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i, m := range msgs {
		assert.Equal(t, i, m.Position, "positions have no gaps")
	}
}

func TestSendMessageSchedulesExactJob(t *testing.T) {
	gen := &fakeGenerator{}
	sched := &recordScheduler{}
	orch, store := newTestOrchestrator(t, gen, sched)
	ctx := context.Background()

	threadID, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)

	require.NoError(t, orch.SendMessage(ctx, threadID, "Hello", "google/gemini-2.0-flash-001", "user_u1", ""))

	require.Len(t, sched.jobs, 1)
	job := sched.jobs[0]
	msgs, err := store.LatestMessages(ctx, threadID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, GenerationJob{
		ThreadID:        threadID,
		PromptMessageID: msgs[0].ID,
		ModelID:         "google/gemini-2.0-flash-001",
		UserID:          "user_u1",
		Anonymous:       false,
		Prompt:          "Hello",
	}, job)
}

func TestSendMessageUnknownModelResolvesToDefault(t *testing.T) {
	gen := &fakeGenerator{}
	sched := &recordScheduler{}
	orch, _ := newTestOrchestrator(t, gen, sched)
	ctx := context.Background()

	threadID, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)
	require.NoError(t, orch.SendMessage(ctx, threadID, "Hello", "nonexistent/model", "user_u1", ""))

	require.Len(t, sched.jobs, 1)
	assert.Equal(t, registry.Default(), sched.jobs[0].ModelID)
}

func TestSendMessageAnonymousCoercedToDefaultModel(t *testing.T) {
	gen := &fakeGenerator{}
	sched := &recordScheduler{}
	orch, _ := newTestOrchestrator(t, gen, sched)
	ctx := context.Background()

	anonID := identity.NewAnonymousID()
	threadID, err := orch.CreateThread(ctx, "", anonID, "openai/gpt-5-nano")
	require.NoError(t, err)
	require.NoError(t, orch.SendMessage(ctx, threadID, "Hello", "openai/gpt-5-nano", "", anonID))

	require.Len(t, sched.jobs, 1)
	assert.Equal(t, registry.Default(), sched.jobs[0].ModelID)
	assert.True(t, sched.jobs[0].Anonymous)
}

func TestAnonymousDailyMessageQuota(t *testing.T) {
	gen := &fakeGenerator{}
	sched := &recordScheduler{}
	orch, _ := newTestOrchestrator(t, gen, sched)
	ctx := context.Background()

	anonID := identity.NewAnonymousID()
	threadID, err := orch.CreateThread(ctx, "", anonID, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, orch.SendMessage(ctx, threadID, "hi", "", "", anonID))
	}

	err = orch.SendMessage(ctx, threadID, "one too many", "", "", anonID)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, ratelimit.BucketAnonymousMessages, rl.Bucket)

	// The advertised wait runs to the end of the UTC day.
	now := time.Now().UTC()
	toMidnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour).Sub(now)
	assert.InDelta(t, toMidnight.Seconds(), rl.RetryAfter.Seconds(), 5)
	assert.Contains(t, rl.WaitMessage(), "try again in")
}

func TestSendMessageUnauthorizedSubject(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"ok"}}
	sched := &syncScheduler{}
	orch, _ := newTestOrchestrator(t, gen, sched)
	sched.orch = orch
	ctx := context.Background()

	threadID, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)
	require.NoError(t, orch.SendMessage(ctx, threadID, "Hello", "", "user_u1", ""))

	err = orch.SendMessage(ctx, threadID, "sneaky", "", "user_u2", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestListThreadMessagesUnauthorized(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"ok"}}
	sched := &syncScheduler{}
	orch, _ := newTestOrchestrator(t, gen, sched)
	sched.orch = orch
	ctx := context.Background()

	threadID, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)
	require.NoError(t, orch.SendMessage(ctx, threadID, "Hello", "", "user_u1", ""))

	_, _, err = orch.ListThreadMessages(ctx, threadID, models.PaginationOpts{NumItems: 10}, nil, "user_u2", "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// An empty thread is authorized trivially.
	emptyID, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)
	page, _, err := orch.ListThreadMessages(ctx, emptyID, models.PaginationOpts{NumItems: 10}, nil, "user_u2", "")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestSendMessageUnauthenticated(t *testing.T) {
	gen := &fakeGenerator{}
	sched := &recordScheduler{}
	orch, _ := newTestOrchestrator(t, gen, sched)

	err := orch.SendMessage(context.Background(), "t1", "Hello", "", "", "")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestTitleFailureDoesNotFailGeneration(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"ok"}, titleErr: errors.New("provider down")}
	sched := &syncScheduler{}
	orch, store := newTestOrchestrator(t, gen, sched)
	sched.orch = orch
	ctx := context.Background()

	threadID, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)
	require.NoError(t, orch.SendMessage(ctx, threadID, "Hello", "", "user_u1", ""))

	thread, err := store.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Empty(t, thread.Title)

	msgs, err := store.LatestMessages(ctx, threadID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "assistant reply persisted despite title failure")
}

func TestGenerationFailureLeavesMessageStreaming(t *testing.T) {
	gen := &fakeGenerator{streamErr: errors.New("model unavailable")}
	orch, store := newTestOrchestrator(t, gen, &recordScheduler{})
	ctx := context.Background()

	threadID, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)

	job := GenerationJob{ThreadID: threadID, ModelID: registry.Default(), UserID: "user_u1", Prompt: "Hello"}
	err = orch.StreamResponse(ctx, job)
	assert.Error(t, err)

	msgs, err := store.LatestMessages(ctx, threadID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Streaming, "failed generation leaves the message non-finalized")
	assert.Equal(t, 0, gen.titleCalls)
}

func TestTitleRegeneratedOnlyAtMilestones(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"ok"}, title: "t"}
	sched := &syncScheduler{}
	orch, _ := newTestOrchestrator(t, gen, sched)
	sched.orch = orch
	ctx := context.Background()

	threadID, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)

	// Each send adds two messages, so counts pass 2, 4, 6, 8, 10:
	// milestones 2 and 6 fire, nothing else.
	for i := 0; i < 5; i++ {
		require.NoError(t, orch.SendMessage(ctx, threadID, "hi", "", "user_u1", ""))
	}
	assert.Equal(t, 2, gen.titleCalls)
}

func TestListUserThreadsSearchAndRecency(t *testing.T) {
	gen := &fakeGenerator{}
	sched := &recordScheduler{}
	orch, store := newTestOrchestrator(t, gen, sched)
	ctx := context.Background()

	t1, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)
	t2, err := orch.CreateThread(ctx, "user_u1", "", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateThreadTitle(ctx, t1, "Kyoto itinerary"))
	require.NoError(t, store.UpdateThreadTitle(ctx, t2, "Tax questions"))

	page, err := orch.ListUserThreads(ctx, "kyoto", models.PaginationOpts{}, 10, "user_u1", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, t1, page.Items[0].ID)

	page, err = orch.ListUserThreads(ctx, "", models.PaginationOpts{NumItems: 10}, 0, "user_u1", "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}
