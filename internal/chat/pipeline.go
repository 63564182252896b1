// Package chat turns inbound send requests into persisted, broadcast
// messages. A message is broadcast only after the store has accepted it, so
// receivers never see a message that did not land in history.
package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/camarasama/instant-class-chat/internal/hub"
	"github.com/camarasama/instant-class-chat/internal/metrics"
	"github.com/camarasama/instant-class-chat/internal/model"
)

const maxMessageRunes = 4000

// Store is the slice of persistence the pipeline needs.
type Store interface {
	IsChannelMember(ctx context.Context, channelID, identityID string) (bool, error)
	CreateMessage(ctx context.Context, message model.Message) (model.Message, error)
}

// Broadcaster fans a marshaled frame out to a channel's live connections.
type Broadcaster interface {
	Broadcast(channelID string, payload []byte)
}

type Pipeline struct {
	store     Store
	broadcast Broadcaster
	metrics   *metrics.Collector
}

func NewPipeline(store Store, broadcast Broadcaster, collector *metrics.Collector) *Pipeline {
	return &Pipeline{store: store, broadcast: broadcast, metrics: collector}
}

// HandleIncoming validates, persists, and broadcasts one message. Membership
// is checked against the store on every message, not remembered from join: an
// author removed from the channel mid-session is rejected here.
func (p *Pipeline) HandleIncoming(ctx context.Context, author model.Profile, channelID, text, fileURL, replyTo string) (model.Message, error) {
	text = strings.TrimSpace(text)
	if channelID == "" || text == "" {
		return model.Message{}, model.ErrInvalidPayload
	}
	if len([]rune(text)) > maxMessageRunes {
		return model.Message{}, model.ErrInvalidPayload
	}

	member, err := p.store.IsChannelMember(ctx, channelID, author.ID)
	if err != nil {
		return model.Message{}, err
	}
	if !member {
		return model.Message{}, model.ErrAccessDenied
	}

	msg := model.Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		AuthorID:  author.ID,
		Text:      text,
	}
	if fileURL != "" {
		msg.FileURL = &fileURL
	}
	if replyTo != "" {
		msg.ReplyTo = &replyTo
	}
	stored, err := p.store.CreateMessage(ctx, msg)
	if err != nil {
		return model.Message{}, err
	}
	if stored.Author == nil {
		a := author
		stored.Author = &a
	}
	p.metrics.RecordMessagePersisted()

	out := stored
	p.broadcast.Broadcast(channelID, hub.MarshalFrame(hub.Frame{
		Type:      hub.FrameNewMessage,
		ChannelID: channelID,
		Message:   &out,
	}))
	return stored, nil
}
