package storetest

import (
	"context"
	"fmt"
	"time"

	"github.com/camarasama/instant-class-chat/internal/model"
)

// --- channel and message operations ---

func (m *MemStore) Ping(_ context.Context) error {
	return m.PingErr
}

func (m *MemStore) ListChannelsForIdentity(_ context.Context, identityID string) ([]model.ChannelSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var summaries []model.ChannelSummary
	for id, channel := range m.channels {
		if containsString(m.members[id], identityID) {
			summaries = append(summaries, m.summaryLocked(channel, false))
		}
	}
	return summaries, nil
}

func (m *MemStore) ListAvailableChannels(_ context.Context, identityID string) ([]model.ChannelSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var summaries []model.ChannelSummary
	for id, channel := range m.channels {
		if !containsString(m.members[id], identityID) {
			summaries = append(summaries, m.summaryLocked(channel, false))
		}
	}
	return summaries, nil
}

func (m *MemStore) GetChannelForMember(_ context.Context, channelID, identityID string) (model.ChannelSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[channelID]
	if !ok || !containsString(m.members[channelID], identityID) {
		return model.ChannelSummary{}, model.ErrChannelNotFound
	}
	return m.summaryLocked(channel, true), nil
}

func (m *MemStore) CreateChannel(_ context.Context, channel model.Channel) (model.ChannelSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channel.ID] = channel
	m.members[channel.ID] = []string{channel.CreatedBy}
	return m.summaryLocked(channel, true), nil
}

func (m *MemStore) AddChannelMember(_ context.Context, channelID, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		return model.ErrChannelNotFound
	}
	if containsString(m.members[channelID], identityID) {
		return nil
	}
	m.members[channelID] = append(m.members[channelID], identityID)
	return nil
}

func (m *MemStore) RemoveChannelMember(_ context.Context, channelID, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[channelID] = removeString(m.members[channelID], identityID)
	return nil
}

func (m *MemStore) IsChannelMember(_ context.Context, channelID, identityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return containsString(m.members[channelID], identityID), nil
}

func (m *MemStore) ListChannelMembers(_ context.Context, channelID string) ([]model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var profiles []model.Profile
	for _, id := range m.members[channelID] {
		if identity, ok := m.identities[id]; ok {
			profiles = append(profiles, identity.Profile())
		}
	}
	return profiles, nil
}

func (m *MemStore) CreateMessage(_ context.Context, message model.Message) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateMessageErr != nil {
		return model.Message{}, m.CreateMessageErr
	}
	author, ok := m.identities[message.AuthorID]
	if !ok {
		return model.Message{}, model.ErrNotFound
	}
	m.seq++
	message.Seq = m.seq
	if message.ID == "" {
		message.ID = fmt.Sprintf("msg-%d", m.seq)
	}
	message.CreatedAt = time.Now().UTC()
	profile := author.Profile()
	message.Author = &profile
	m.messages[message.ChannelID] = append(m.messages[message.ChannelID], message)
	return message, nil
}

func (m *MemStore) ListRecentMessages(_ context.Context, channelID string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	messages := m.messages[channelID]
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]model.Message{}, messages...), nil
}

func (m *MemStore) MessageCount(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[channelID])
}

func (m *MemStore) summaryLocked(channel model.Channel, withMembers bool) model.ChannelSummary {
	summary := model.ChannelSummary{
		Channel:      channel,
		MemberCount:  len(m.members[channel.ID]),
		MessageCount: len(m.messages[channel.ID]),
	}
	if withMembers {
		for _, id := range m.members[channel.ID] {
			if identity, ok := m.identities[id]; ok {
				summary.Members = append(summary.Members, identity.Profile())
			}
		}
	}
	return summary
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
