package storage

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xaenox/chatstream/internal/models"
)

// MemoryStorage is the in-process store used by tests and the
// use_in_memory configuration mode.
type MemoryStorage struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message    // threadID -> messages ordered by position
	deltas   map[string][]models.StreamDelta // messageID -> deltas ordered by seq
	byMsgID  map[string]*models.Message
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		threads:  make(map[string]*models.Thread),
		messages: make(map[string][]*models.Message),
		deltas:   make(map[string][]models.StreamDelta),
		byMsgID:  make(map[string]*models.Message),
	}
}

func (s *MemoryStorage) CreateThread(ctx context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *thread
	s.threads[thread.ID] = &cp
	return nil
}

func (s *MemoryStorage) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	cp := *thread
	return &cp, nil
}

func (s *MemoryStorage) UpdateThreadTitle(ctx context.Context, threadID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	thread.Title = title
	return nil
}

func (s *MemoryStorage) UpdateThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	thread.Status = status
	return nil
}

func (s *MemoryStorage) ListThreadsByUser(ctx context.Context, userID string, opts models.PaginationOpts) (*models.ThreadPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owned []*models.Thread
	for _, t := range s.threads {
		if t.UserID == userID {
			cp := *t
			owned = append(owned, &cp)
		}
	}
	// Newest first, id as tiebreaker for a stable order.
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	return pageThreads(owned, opts)
}

func (s *MemoryStorage) SearchThreadsByTitle(ctx context.Context, userID, query string, limit int) ([]*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	var matches []*models.Thread
	for _, t := range s.threads {
		if t.UserID == userID && strings.Contains(strings.ToLower(t.Title), needle) {
			cp := *t
			matches = append(matches, &cp)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[msg.ThreadID]; !ok {
		return ErrThreadNotFound
	}

	msgs := s.messages[msg.ThreadID]
	next := 0
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].Position + 1
	}
	msg.Position = next

	cp := *msg
	s.messages[msg.ThreadID] = append(msgs, &cp)
	s.byMsgID[msg.ID] = &cp
	return nil
}

func (s *MemoryStorage) ListMessages(ctx context.Context, threadID string, opts models.PaginationOpts) (*models.MessagePage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	after := -1
	if opts.Cursor != "" {
		pos, err := strconv.Atoi(opts.Cursor)
		if err != nil {
			return nil, ErrBadCursor
		}
		after = pos
	}

	num := opts.NumItems
	if num <= 0 {
		num = 50
	}

	var items []*models.Message
	for _, m := range s.messages[threadID] {
		if m.Position > after {
			cp := *m
			items = append(items, &cp)
			if len(items) == num {
				break
			}
		}
	}

	page := &models.MessagePage{Items: items}
	if len(items) > 0 {
		page.ContinueCursor = strconv.Itoa(items[len(items)-1].Position)
	}
	total := s.messages[threadID]
	page.IsDone = len(items) == 0 || items[len(items)-1].Position == total[len(total)-1].Position
	return page, nil
}

func (s *MemoryStorage) LatestMessages(ctx context.Context, threadID string, n int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[threadID]
	start := 0
	if n > 0 && len(msgs) > n {
		start = len(msgs) - n
	}

	out := make([]*models.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStorage) CountMessages(ctx context.Context, threadID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages[threadID]), nil
}

func (s *MemoryStorage) DeleteMessagesBatch(ctx context.Context, threadID string, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[threadID]
	if n > len(msgs) {
		n = len(msgs)
	}
	for _, m := range msgs[:n] {
		delete(s.byMsgID, m.ID)
		delete(s.deltas, m.ID)
	}
	s.messages[threadID] = msgs[n:]
	return n, nil
}

func (s *MemoryStorage) AppendDelta(ctx context.Context, messageID string, seq int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byMsgID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Content += text
	s.deltas[messageID] = append(s.deltas[messageID], models.StreamDelta{
		MessageID: messageID,
		Seq:       seq,
		Text:      text,
	})
	return nil
}

func (s *MemoryStorage) SyncStreams(ctx context.Context, threadID string, cursors []models.StreamCursor) ([]models.StreamDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]int, len(cursors))
	for _, c := range cursors {
		seen[c.MessageID] = c.Seq
	}

	var out []models.StreamDelta
	for _, m := range s.messages[threadID] {
		if !m.Streaming {
			continue
		}
		after, ok := seen[m.ID]
		if !ok {
			after = -1
		}
		for _, d := range s.deltas[m.ID] {
			if d.Seq > after {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (s *MemoryStorage) FinalizeMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byMsgID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Streaming = false
	delete(s.deltas, messageID)
	return nil
}

func (s *MemoryStorage) ListUsersWithThreads(ctx context.Context, opts models.PaginationOpts) (*models.UserPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]struct{})
	for _, t := range s.threads {
		set[t.UserID] = struct{}{}
	}
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Strings(users)

	after := ""
	if opts.Cursor != "" {
		after = opts.Cursor
	}
	num := opts.NumItems
	if num <= 0 {
		num = 100
	}

	var page []string
	for _, u := range users {
		if u > after {
			page = append(page, u)
			if len(page) == num {
				break
			}
		}
	}

	out := &models.UserPage{Users: page}
	if len(page) > 0 {
		out.ContinueCursor = page[len(page)-1]
	}
	out.IsDone = len(page) == 0 || page[len(page)-1] == users[len(users)-1]
	return out, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

func pageThreads(all []*models.Thread, opts models.PaginationOpts) (*models.ThreadPage, error) {
	offset := 0
	if opts.Cursor != "" {
		o, err := strconv.Atoi(opts.Cursor)
		if err != nil {
			return nil, ErrBadCursor
		}
		offset = o
	}
	num := opts.NumItems
	if num <= 0 {
		num = 50
	}

	if offset > len(all) {
		offset = len(all)
	}
	end := offset + num
	if end > len(all) {
		end = len(all)
	}

	page := &models.ThreadPage{
		Items:          all[offset:end],
		ContinueCursor: strconv.Itoa(end),
		IsDone:         end == len(all),
	}
	return page, nil
}
