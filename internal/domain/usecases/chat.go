package usecases

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

// ErrEmptyMessage is returned by Send for blank input.
var ErrEmptyMessage = errors.New("message must not be empty")

// Chat runs one user turn: it records the user message, creates the assistant
// placeholder and fills it from the stream or the synchronous query.
type Chat struct {
	conversations *ConversationManager
	stream        ports.EventStream
	query         ports.QueryService
	settings      ports.SettingsSource
	log           zerolog.Logger
}

// NewChat creates a chat session over the given collaborators.
func NewChat(
	conversations *ConversationManager,
	stream ports.EventStream,
	query ports.QueryService,
	settings ports.SettingsSource,
	log zerolog.Logger,
) *Chat {
	return &Chat{
		conversations: conversations,
		stream:        stream,
		query:         query,
		settings:      settings,
		log:           log.With().Str("component", "chat").Logger(),
	}
}

// Send starts a turn in the current conversation, creating one if none is
// selected. The returned channel closes once the assistant message is final.
// A newer Send cancels a turn that is still streaming.
func (c *Chat) Send(ctx context.Context, text string) (<-chan struct{}, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	convID := c.conversations.CurrentID()
	if c.conversations.Conversation(convID) == nil {
		convID = c.conversations.CreateConversation("")
	}

	c.conversations.AddMessage(convID, entities.Message{Role: entities.RoleUser, Content: text})
	msgID := c.conversations.AddMessage(convID, entities.Message{Role: entities.RoleAssistant, IsStreaming: true})

	if c.settings.Settings().StreamingEnabled {
		return c.streamTurn(ctx, convID, msgID, text)
	}
	return c.queryTurn(ctx, convID, msgID, text), nil
}

// Stop cancels the active stream. The placeholder keeps what arrived so far.
func (c *Chat) Stop() {
	c.stream.Cancel()
}

func (c *Chat) streamTurn(ctx context.Context, convID, msgID, q string) (<-chan struct{}, error) {
	t := &turn{conversations: c.conversations, convID: convID, msgID: msgID}

	done, err := c.stream.Connect(ctx, q, ports.StreamHandlers{
		OnMessage:   t.appendDelta,
		OnCitations: t.setCitations,
		OnMetadata:  t.mergeDebug,
		OnError:     t.fail,
		OnDone:      t.mergeDebug,
		OnClose:     t.finish,
	})
	if err != nil {
		t.fail(err.Error())
		t.finish()
		return nil, err
	}
	return done, nil
}

func (c *Chat) queryTurn(ctx context.Context, convID, msgID, q string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		resp, err := c.query.Query(ctx, q)
		if err != nil {
			c.log.Warn().Err(err).Msg("query failed")
			msg := err.Error()
			c.conversations.UpdateMessage(convID, msgID, entities.MessageUpdate{
				Error:       &msg,
				IsStreaming: ptr(false),
			})
			return
		}

		u := entities.MessageUpdate{
			Content:     &resp.Answer,
			IsStreaming: ptr(false),
		}
		if len(resp.Citations) > 0 {
			u.Citations = &resp.Citations
		}
		if len(resp.RetrievalDebug) > 0 {
			u.RetrievalDebug = &resp.RetrievalDebug
		}
		c.conversations.UpdateMessage(convID, msgID, u)
	}()
	return done
}

// turn accumulates stream events into one placeholder message. Handlers run
// sequentially on the stream's read loop, so no locking is needed here.
type turn struct {
	conversations *ConversationManager
	convID, msgID string

	content strings.Builder
	debug   map[string]any
}

func (t *turn) appendDelta(delta string) {
	t.content.WriteString(delta)
	content := t.content.String()
	t.conversations.UpdateMessage(t.convID, t.msgID, entities.MessageUpdate{Content: &content})
}

func (t *turn) setCitations(citations []entities.Citation) {
	t.conversations.UpdateMessage(t.convID, t.msgID, entities.MessageUpdate{Citations: &citations})
}

func (t *turn) mergeDebug(fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	if t.debug == nil {
		t.debug = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		t.debug[k] = v
	}
	debug := t.debug
	t.conversations.UpdateMessage(t.convID, t.msgID, entities.MessageUpdate{RetrievalDebug: &debug})
}

func (t *turn) fail(msg string) {
	t.conversations.UpdateMessage(t.convID, t.msgID, entities.MessageUpdate{
		Error:       &msg,
		IsStreaming: ptr(false),
	})
}

func (t *turn) finish() {
	t.conversations.UpdateMessage(t.convID, t.msgID, entities.MessageUpdate{IsStreaming: ptr(false)})
}

func ptr[T any](v T) *T { return &v }
