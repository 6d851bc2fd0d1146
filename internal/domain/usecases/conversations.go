// Package usecases contains application business rules.
// Clean Architecture: Usecases orchestrate entities and depend on port interfaces.
// They own the client state (conversations, upload queue, settings) and are the
// only place that mutates it.
package usecases

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

// ConversationsKey is the storage record holding every conversation.
const ConversationsKey = "docintel:conversations"

type conversationSnapshot struct {
	Conversations []entities.Conversation `json:"conversations"`
	CurrentID     string                  `json:"currentConversationId"`
}

// ConversationManager is the single source of truth for conversations.
// Every operation is one atomic step; readers get deep copies.
type ConversationManager struct {
	store  ports.Storage
	writer *snapshotWriter
	log    zerolog.Logger
	now    func() time.Time

	mu            sync.Mutex
	conversations []*entities.Conversation // most recent first
	currentID     string
	loaded        bool
	mutated       bool // a mutation happened before load completed

	observers observers
}

// NewConversationManager creates an empty manager. A nil store disables persistence.
// Call Load (or LoadAsync) once at startup.
func NewConversationManager(store ports.Storage, log zerolog.Logger) *ConversationManager {
	m := &ConversationManager{
		store: store,
		log:   log.With().Str("component", "conversations").Logger(),
		now:   time.Now,
	}
	if store != nil {
		m.writer = newSnapshotWriter(store, ConversationsKey)
	}
	return m
}

// Subscribe registers fn to run after every mutation. The returned func unsubscribes.
func (m *ConversationManager) Subscribe(fn func()) func() {
	return m.observers.subscribe(fn)
}

// Load reads the stored snapshot. Conversations created before Load finished
// are kept ahead of the loaded ones, and the current selection is kept.
func (m *ConversationManager) Load(ctx context.Context) {
	var snap conversationSnapshot
	found := false
	if m.store != nil {
		if data, ok := m.store.Get(ctx, ConversationsKey); ok {
			if err := json.Unmarshal(data, &snap); err != nil {
				m.log.Warn().Err(err).Msg("ignoring corrupt conversations snapshot")
			} else {
				found = true
			}
		}
	}

	m.mu.Lock()
	if m.loaded {
		m.mu.Unlock()
		return
	}
	m.loaded = true

	if found {
		existing := make(map[string]bool, len(m.conversations))
		for _, c := range m.conversations {
			existing[c.ID] = true
		}
		for i := range snap.Conversations {
			c := snap.Conversations[i].Clone()
			if c.ID == "" || existing[c.ID] {
				continue
			}
			existing[c.ID] = true
			m.conversations = append(m.conversations, &c)
		}
		if !m.mutated {
			m.currentID = snap.CurrentID
		}
	}
	if m.writer != nil {
		if m.mutated {
			if data := m.snapshotLocked(); data != nil {
				m.writer.submit(data)
			}
		}
		m.writer.open()
	}
	m.mu.Unlock()

	m.log.Debug().Int("conversations", len(snap.Conversations)).Bool("found", found).Msg("conversations loaded")
	m.observers.notify()
}

// LoadAsync runs Load in the background. The channel closes when it finishes.
func (m *ConversationManager) LoadAsync(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Load(ctx)
	}()
	return done
}

// Flush blocks until every snapshot so far has been handed to storage.
func (m *ConversationManager) Flush() {
	if m.writer != nil {
		m.writer.flush()
	}
}

// Close writes the last snapshot and stops the background writer.
func (m *ConversationManager) Close() {
	if m.writer != nil {
		m.writer.close()
	}
}

// CreateConversation starts a conversation, makes it current and returns its id.
func (m *ConversationManager) CreateConversation(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = entities.DefaultConversationTitle
	}
	now := m.now()
	c := &entities.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Messages:  []entities.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.conversations = append([]*entities.Conversation{c}, m.conversations...)
	m.currentID = c.ID
	m.changedLocked()
	m.mu.Unlock()

	m.observers.notify()
	return c.ID
}

// DeleteConversation removes a conversation. Deleting an unknown id is a no-op.
func (m *ConversationManager) DeleteConversation(id string) {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return
	}
	m.conversations = append(m.conversations[:i], m.conversations[i+1:]...)
	if m.currentID == id {
		m.currentID = ""
		if len(m.conversations) > 0 {
			m.currentID = m.conversations[0].ID
		}
	}
	m.changedLocked()
	m.mu.Unlock()

	m.observers.notify()
}

// SetCurrentConversation selects id without validating it. "" selects none.
func (m *ConversationManager) SetCurrentConversation(id string) {
	m.mu.Lock()
	m.currentID = id
	m.changedLocked()
	m.mu.Unlock()

	m.observers.notify()
}

// RenameConversation sets an explicit title. A blank title is ignored.
func (m *ConversationManager) RenameConversation(id, title string) {
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}

	m.mu.Lock()
	c := m.findLocked(id)
	if c == nil {
		m.mu.Unlock()
		return
	}
	c.Title = title
	c.UpdatedAt = m.now()
	m.changedLocked()
	m.mu.Unlock()

	m.observers.notify()
}

// ClearAll removes every conversation.
func (m *ConversationManager) ClearAll() {
	m.mu.Lock()
	m.conversations = nil
	m.currentID = ""
	m.changedLocked()
	m.mu.Unlock()

	m.observers.notify()
}

// AddMessage appends msg to a conversation, assigning its id and timestamp.
// The first user message of a conversation still titled with the default
// renames it. Returns "" when the conversation does not exist.
func (m *ConversationManager) AddMessage(conversationID string, msg entities.Message) string {
	msg = msg.Clone()
	msg.ID = uuid.NewString()
	msg.Timestamp = m.now()

	m.mu.Lock()
	c := m.findLocked(conversationID)
	if c == nil {
		m.mu.Unlock()
		return ""
	}

	if msg.Role == entities.RoleUser && c.Title == entities.DefaultConversationTitle && !hasUserMessage(c) {
		if title := entities.DeriveTitle(msg.Content); title != "" {
			c.Title = title
		}
	}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = msg.Timestamp
	m.changedLocked()
	m.mu.Unlock()

	m.observers.notify()
	return msg.ID
}

// UpdateMessage merges the fields set in u into a message.
// Unknown conversation or message ids are a no-op.
func (m *ConversationManager) UpdateMessage(conversationID, messageID string, u entities.MessageUpdate) {
	m.mu.Lock()
	c := m.findLocked(conversationID)
	if c == nil {
		m.mu.Unlock()
		return
	}
	found := false
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			u.Apply(&c.Messages[i])
			found = true
			break
		}
	}
	if !found {
		m.mu.Unlock()
		return
	}
	c.UpdatedAt = m.now()
	m.changedLocked()
	m.mu.Unlock()

	m.observers.notify()
}

// CurrentID returns the selected conversation id, which may not exist.
func (m *ConversationManager) CurrentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

// CurrentConversation returns a copy of the selected conversation, or nil.
func (m *ConversationManager) CurrentConversation() *entities.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneConversation(m.findLocked(m.currentID))
}

// Conversation returns a copy of the conversation with id, or nil.
func (m *ConversationManager) Conversation(id string) *entities.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneConversation(m.findLocked(id))
}

// Conversations returns copies of every conversation, most recent first.
func (m *ConversationManager) Conversations() []entities.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]entities.Conversation, len(m.conversations))
	for i, c := range m.conversations {
		out[i] = c.Clone()
	}
	return out
}

// changedLocked schedules a snapshot of the current state.
func (m *ConversationManager) changedLocked() {
	if !m.loaded {
		m.mutated = true
	}
	if m.writer == nil {
		return
	}
	if data := m.snapshotLocked(); data != nil {
		m.writer.submit(data)
	}
}

func (m *ConversationManager) snapshotLocked() []byte {
	snap := conversationSnapshot{
		Conversations: make([]entities.Conversation, len(m.conversations)),
		CurrentID:     m.currentID,
	}
	for i, c := range m.conversations {
		snap.Conversations[i] = *c
	}
	data, err := json.Marshal(snap)
	if err != nil {
		m.log.Error().Err(err).Msg("encoding conversations snapshot")
		return nil
	}
	return data
}

func (m *ConversationManager) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, c := range m.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (m *ConversationManager) findLocked(id string) *entities.Conversation {
	if i := m.indexLocked(id); i >= 0 {
		return m.conversations[i]
	}
	return nil
}

func hasUserMessage(c *entities.Conversation) bool {
	for _, msg := range c.Messages {
		if msg.Role == entities.RoleUser {
			return true
		}
	}
	return false
}

func cloneConversation(c *entities.Conversation) *entities.Conversation {
	if c == nil {
		return nil
	}
	out := c.Clone()
	return &out
}
