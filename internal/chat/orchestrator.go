// Package chat turns validated prompts into persisted, incrementally
// streamed model responses. The orchestrator owns the send pipeline:
// identity, quota, model routing, prompt persistence, async generation
// scheduling, and milestone title generation.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/chatstream/internal/generation"
	"github.com/xaenox/chatstream/internal/identity"
	"github.com/xaenox/chatstream/internal/models"
	"github.com/xaenox/chatstream/internal/ratelimit"
	"github.com/xaenox/chatstream/internal/registry"
	"github.com/xaenox/chatstream/internal/storage"
)

// titleMilestones are the message counts at which the thread title is
// (re)generated. Each step roughly doubles so title quality improves
// as the thread matures without the generation cost growing linearly.
var titleMilestones = []int{2, 6, 14, 30, 62, 126, 254}

// titleContextSize bounds how many recent messages seed a title.
const titleContextSize = 10

// historyWindow is how much recent context the model sees per send.
const historyWindow = 20

type Orchestrator struct {
	store     storage.Storage
	limiter   *ratelimit.Limiter
	generator generation.Generator
	scheduler Scheduler
	logger    *zap.Logger
	now       func() time.Time
}

func New(store storage.Storage, limiter *ratelimit.Limiter, generator generation.Generator, scheduler Scheduler, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		limiter:   limiter,
		generator: generator,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateThread opens a new conversation for the effective subject.
func (o *Orchestrator) CreateThread(ctx context.Context, sessionSubject, anonymousID, modelID string) (string, error) {
	userID, err := identity.Resolve(sessionSubject, anonymousID)
	if err != nil {
		return "", err
	}
	anonymous := identity.IsAnonymous(userID)

	bucket := ratelimit.Pick(anonymous, ratelimit.BucketCreateThread, ratelimit.BucketAnonymousThreads)
	if err := o.consume(ctx, bucket, userID); err != nil {
		return "", err
	}

	thread := &models.Thread{
		ID:        uuid.New().String(),
		UserID:    userID,
		Status:    models.ThreadActive,
		ModelID:   registry.Validate(modelID, anonymous),
		CreatedAt: o.now(),
	}
	if err := o.store.CreateThread(ctx, thread); err != nil {
		return "", fmt.Errorf("error creating thread: %w", err)
	}

	o.logger.Info("thread created",
		zap.String("thread_id", thread.ID),
		zap.String("user", identity.Redact(userID)),
		zap.Bool("anonymous", anonymous))
	return thread.ID, nil
}

// SendMessage validates and persists a prompt and schedules its
// response generation. It returns as soon as scheduling succeeds; the
// response streams into the store asynchronously.
func (o *Orchestrator) SendMessage(ctx context.Context, threadID, prompt, modelID, sessionSubject, anonymousID string) error {
	userID, err := identity.Resolve(sessionSubject, anonymousID)
	if err != nil {
		return err
	}
	anonymous := identity.IsAnonymous(userID)

	// Two gates: the send itself, then the AI request it implies. A
	// denial on the second does not refund the first; that skew is an
	// accepted tradeoff.
	sendBucket := ratelimit.Pick(anonymous, ratelimit.BucketSendMessage, ratelimit.BucketAnonymousMessages)
	if err := o.consume(ctx, sendBucket, userID); err != nil {
		return err
	}
	aiBucket := ratelimit.Pick(anonymous, ratelimit.BucketAIRequests, ratelimit.BucketAnonymousAIRequests)
	if err := o.consume(ctx, aiBucket, userID); err != nil {
		return err
	}

	resolvedModel := registry.Validate(modelID, anonymous)

	if _, err := o.store.GetThread(ctx, threadID); err != nil {
		return fmt.Errorf("error loading thread: %w", err)
	}
	recent, err := o.store.LatestMessages(ctx, threadID, historyWindow)
	if err != nil {
		return fmt.Errorf("error loading thread messages: %w", err)
	}
	if len(recent) > 0 && recent[0].UserID != userID {
		return ErrUnauthorized
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		UserID:    userID,
		Role:      models.RoleUser,
		Content:   prompt,
		CreatedAt: o.now(),
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("error persisting prompt: %w", err)
	}

	job := GenerationJob{
		ThreadID:        threadID,
		PromptMessageID: msg.ID,
		ModelID:         resolvedModel,
		UserID:          userID,
		Anonymous:       anonymous,
		Prompt:          prompt,
	}
	if err := o.scheduler.Schedule(ctx, job); err != nil {
		return fmt.Errorf("error scheduling generation: %w", err)
	}

	o.logger.Info("message scheduled",
		zap.String("thread_id", threadID),
		zap.String("model_id", resolvedModel),
		zap.String("user", identity.Redact(userID)))
	return nil
}

// StreamResponse is the scheduled generation unit. It persists an
// assistant message, streams deltas into it as they arrive, finalizes
// it, and triggers title generation at milestone message counts.
// Generation failure leaves the assistant message non-finalized; title
// failure is logged and swallowed.
func (o *Orchestrator) StreamResponse(ctx context.Context, job GenerationJob) error {
	history, err := o.store.LatestMessages(ctx, job.ThreadID, historyWindow)
	if err != nil {
		return fmt.Errorf("error loading generation context: %w", err)
	}

	assistant := &models.Message{
		ID:        uuid.New().String(),
		ThreadID:  job.ThreadID,
		UserID:    job.UserID,
		Role:      models.RoleAssistant,
		Streaming: true,
		CreatedAt: o.now(),
	}
	if err := o.store.AppendMessage(ctx, assistant); err != nil {
		return fmt.Errorf("error persisting assistant message: %w", err)
	}

	seq := 0
	_, err = o.generator.StreamCompletion(ctx, job.ModelID, history, func(text string) error {
		err := o.store.AppendDelta(ctx, assistant.ID, seq, text)
		seq++
		return err
	})
	if err != nil {
		o.logger.Error("generation failed",
			zap.Error(err),
			zap.String("thread_id", job.ThreadID),
			zap.String("message_id", assistant.ID),
			zap.String("model_id", job.ModelID))
		return fmt.Errorf("generation failed: %w", err)
	}

	if err := o.store.FinalizeMessage(ctx, assistant.ID); err != nil {
		return fmt.Errorf("error finalizing assistant message: %w", err)
	}

	o.maybeGenerateTitle(ctx, job)
	return nil
}

func (o *Orchestrator) maybeGenerateTitle(ctx context.Context, job GenerationJob) {
	count, err := o.store.CountMessages(ctx, job.ThreadID)
	if err != nil {
		o.logger.Warn("title generation skipped: count failed",
			zap.Error(err), zap.String("thread_id", job.ThreadID))
		return
	}
	if !isMilestone(count) {
		return
	}

	recent, err := o.store.LatestMessages(ctx, job.ThreadID, titleContextSize)
	if err != nil {
		o.logger.Warn("title generation skipped: context fetch failed",
			zap.Error(err), zap.String("thread_id", job.ThreadID))
		return
	}

	title, err := o.generator.GenerateTitle(ctx, registry.Default(), recent, job.Prompt)
	if err != nil {
		o.logger.Warn("title generation failed",
			zap.Error(err), zap.String("thread_id", job.ThreadID))
		return
	}

	if err := o.store.UpdateThreadTitle(ctx, job.ThreadID, title); err != nil {
		o.logger.Warn("title update failed",
			zap.Error(err), zap.String("thread_id", job.ThreadID))
		return
	}

	o.logger.Info("thread titled",
		zap.String("thread_id", job.ThreadID),
		zap.Int("message_count", count))
}

// ListThreadMessages returns one page of a thread plus live deltas for
// messages still generating. Ownership is checked against the first
// page item; an empty page (new thread) is authorized trivially.
func (o *Orchestrator) ListThreadMessages(ctx context.Context, threadID string, opts models.PaginationOpts, cursors []models.StreamCursor, sessionSubject, anonymousID string) (*models.MessagePage, []models.StreamDelta, error) {
	userID, err := identity.Resolve(sessionSubject, anonymousID)
	if err != nil {
		return nil, nil, err
	}

	page, err := o.store.ListMessages(ctx, threadID, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("error listing messages: %w", err)
	}
	if len(page.Items) > 0 && page.Items[0].UserID != userID {
		return nil, nil, ErrUnauthorized
	}

	deltas, err := o.store.SyncStreams(ctx, threadID, cursors)
	if err != nil {
		return nil, nil, fmt.Errorf("error syncing streams: %w", err)
	}
	return page, deltas, nil
}

// ListUserThreads returns the subject's threads newest-first, or a
// title search when a query is given.
func (o *Orchestrator) ListUserThreads(ctx context.Context, query string, opts models.PaginationOpts, limit int, sessionSubject, anonymousID string) (*models.ThreadPage, error) {
	userID, err := identity.Resolve(sessionSubject, anonymousID)
	if err != nil {
		return nil, err
	}

	if query != "" {
		matches, err := o.store.SearchThreadsByTitle(ctx, userID, query, limit)
		if err != nil {
			return nil, fmt.Errorf("error searching threads: %w", err)
		}
		return &models.ThreadPage{Items: matches, IsDone: true}, nil
	}

	page, err := o.store.ListThreadsByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing threads: %w", err)
	}
	return page, nil
}

func (o *Orchestrator) consume(ctx context.Context, bucket, subject string) error {
	decision, err := o.limiter.Limit(ctx, bucket, subject)
	if err != nil {
		return fmt.Errorf("error checking rate limit: %w", err)
	}
	if !decision.Allowed {
		return &RateLimitedError{Bucket: bucket, RetryAfter: decision.RetryAfter}
	}
	return nil
}

func isMilestone(count int) bool {
	for _, m := range titleMilestones {
		if count == m {
			return true
		}
	}
	return false
}
