package domain

import "time"

// Session is a bounded-lifetime conversation bound to the knowledge base
// that was active when it was created.
type Session struct {
	ID              string    `json:"id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn entry in a session. Messages are append-only and
// strictly ordered by Seq. An assistant message finalized mid-stream
// keeps its partial content, with Cancelled or Error set.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Source is an opaque attribution reference returned by the engine.
type Source struct {
	Reference string  `json:"reference"`
	Score     float64 `json:"score,omitempty"`
}

// WebSocket frame types exchanged on /ws/chat/:session_id.
const (
	FrameUserMessage = "user_message"
	FrameChunk       = "chunk"
	FrameFinal       = "final"
	FrameError       = "error"
	FrameCancel      = "cancel"
)

// Frame is one message on the chat websocket, inbound or outbound.
type Frame struct {
	Type      string   `json:"type"`
	Content   string   `json:"content,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	Sources   []Source `json:"sources,omitempty"`
	Cancelled bool     `json:"cancelled,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ChatRequest is the non-streaming query request.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message" binding:"required"`
	Mode      string `json:"mode,omitempty"`
}

// ChatResponse is the non-streaming query response.
type ChatResponse struct {
	SessionID string   `json:"session_id"`
	Answer    string   `json:"answer"`
	Mode      string   `json:"mode"`
	Sources   []Source `json:"sources,omitempty"`
}
