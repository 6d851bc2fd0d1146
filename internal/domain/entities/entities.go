// Package entities contains core business entities.
// These are the client-side domain objects - conversations, messages, citations
// and upload items - with no knowledge of storage, transport or rendering.
package entities

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultConversationTitle is the title of a conversation until its first user message.
const DefaultConversationTitle = "New Conversation"

// TitleMaxRunes is the length a derived title is cut to before the ellipsis marker.
const TitleMaxRunes = 50

// Ellipsis marks a truncated title. One rune, so a derived title never exceeds 51 runes.
const Ellipsis = "…"

// Citation is a retrieved chunk the backend used for an answer.
// Immutable once attached to a message.
type Citation struct {
	DocID     string         `json:"docId"`
	ChunkID   string         `json:"chunkId"`
	Source    string         `json:"source"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Score     float64        `json:"score"`
	Retriever string         `json:"retriever"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Message is one turn in a conversation.
type Message struct {
	ID             string         `json:"id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	Citations      []Citation     `json:"citations,omitempty"`
	RetrievalDebug map[string]any `json:"retrievalDebug,omitempty"`
	IsStreaming    bool           `json:"isStreaming,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// MessageUpdate is a partial update. Nil fields are left untouched.
type MessageUpdate struct {
	Content        *string
	Citations      *[]Citation
	RetrievalDebug *map[string]any
	IsStreaming    *bool
	Error          *string
}

// Apply merges the non-nil fields of u into m.
func (u MessageUpdate) Apply(m *Message) {
	if u.Content != nil {
		m.Content = *u.Content
	}
	if u.Citations != nil {
		m.Citations = cloneCitations(*u.Citations)
	}
	if u.RetrievalDebug != nil {
		m.RetrievalDebug = cloneMap(*u.RetrievalDebug)
	}
	if u.IsStreaming != nil {
		m.IsStreaming = *u.IsStreaming
	}
	if u.Error != nil {
		m.Error = *u.Error
	}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.Citations = cloneCitations(m.Citations)
	m.RetrievalDebug = cloneMap(m.RetrievalDebug)
	return m
}

// Conversation is an ordered list of messages with a title.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	msgs := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = m.Clone()
	}
	c.Messages = msgs
	return c
}

// DeriveTitle builds a conversation title from the first user message.
func DeriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= TitleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:TitleMaxRunes]) + Ellipsis
}

// IngestKind is the kind of upload source.
type IngestKind string

const (
	KindFile IngestKind = "file"
	KindURL  IngestKind = "url"
)

// IngestStatus is the lifecycle state of an upload item.
type IngestStatus string

const (
	StatusPending   IngestStatus = "pending"
	StatusUploading IngestStatus = "uploading"
	StatusSuccess   IngestStatus = "success"
	StatusError     IngestStatus = "error"
)

// Terminal reports whether the status is success or error.
func (s IngestStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// IngestItem is one queued file or URL.
type IngestItem struct {
	ID        string
	Name      string
	Kind      IngestKind
	SizeBytes int64 // 0 for URLs
	Status    IngestStatus
	Progress  int // 0..100
	Result    *IngestResult
	Error     string
}

// IngestedDocument describes one document the backend accepted.
type IngestedDocument struct {
	Filename string `json:"filename"`
	DocID    string `json:"doc_id"`
	Chunks   int    `json:"chunks"`
	FileSize int64  `json:"file_size,omitempty"`
	Source   string `json:"source"`
}

// IngestResult is the backend's answer to an ingest call.
type IngestResult struct {
	Ingested []IngestedDocument `json:"ingested"`
	Skipped  []string           `json:"skipped"`
	Errors   []string           `json:"errors"`
}

// QueryResponse is the backend's synchronous answer.
type QueryResponse struct {
	Answer         string         `json:"answer"`
	Citations      []Citation     `json:"citations"`
	RetrievalDebug map[string]any `json:"retrieval_debug"`
}

// Settings holds user-facing client settings.
type Settings struct {
	BaseURL          string `json:"baseUrl"`
	APIKey           string `json:"apiKey"`
	StreamingEnabled bool   `json:"streamingEnabled"`
	AutoScroll       bool   `json:"autoScroll"`
}

func cloneCitations(in []Citation) []Citation {
	if in == nil {
		return nil
	}
	out := make([]Citation, len(in))
	for i, c := range in {
		c.Metadata = cloneMap(c.Metadata)
		out[i] = c
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
