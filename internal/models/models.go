package models

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ThreadStatus is the lifecycle state of a conversation.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

// Thread represents a single conversation owned by one subject.
// Title stays empty until the first title generation milestone.
type Thread struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	Title     string       `json:"title,omitempty"`
	Status    ThreadStatus `json:"status"`
	ModelID   string       `json:"model_id"`
	CreatedAt time.Time    `json:"created_at"`
}

// Message is one entry in a thread. UserID is denormalized from the
// thread owner so any message can answer an ownership check. Position
// is assigned by the store at append time and is strictly increasing
// within a thread. Streaming marks an assistant message whose content
// is still growing.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Position  int       `json:"position"`
	Content   string    `json:"content"`
	Streaming bool      `json:"streaming,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PaginationOpts selects one page of a listing. Cursor is opaque to
// callers; an empty cursor starts from the beginning.
type PaginationOpts struct {
	Cursor   string `json:"cursor"`
	NumItems int    `json:"num_items"`
}

type MessagePage struct {
	Items          []*Message `json:"items"`
	ContinueCursor string     `json:"continue_cursor"`
	IsDone         bool       `json:"is_done"`
}

type ThreadPage struct {
	Items          []*Thread `json:"items"`
	ContinueCursor string    `json:"continue_cursor"`
	IsDone         bool      `json:"is_done"`
}

// UserPage is one page of subject ids, used by the retention sweep.
type UserPage struct {
	Users          []string `json:"users"`
	ContinueCursor string   `json:"continue_cursor"`
	IsDone         bool     `json:"is_done"`
}

// StreamCursor marks how much of an in-flight message a reader has
// already seen; deltas with a higher sequence are returned.
type StreamCursor struct {
	MessageID string `json:"message_id"`
	Seq       int    `json:"seq"`
}

// StreamDelta is one incremental fragment of a streaming message.
type StreamDelta struct {
	MessageID string `json:"message_id"`
	Seq       int    `json:"seq"`
	Text      string `json:"text"`
}
