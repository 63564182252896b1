package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/camarasama/instant-class-chat/internal/model"
)

const channelSummaryQuery = `
	SELECT c.id, c.name, c.description, c.created_by, c.created_at, c.updated_at,
	       (SELECT count(*) FROM channel_members m WHERE m.channel_id = c.id),
	       (SELECT count(*) FROM messages msg WHERE msg.channel_id = c.id)
	FROM channels c
`

func scanChannelSummary(row pgx.Row) (model.ChannelSummary, error) {
	var summary model.ChannelSummary
	err := row.Scan(
		&summary.ID,
		&summary.Name,
		&summary.Description,
		&summary.CreatedBy,
		&summary.CreatedAt,
		&summary.UpdatedAt,
		&summary.MemberCount,
		&summary.MessageCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ChannelSummary{}, model.ErrChannelNotFound
	}
	return summary, err
}

func (s *Store) collectChannelSummaries(rows pgx.Rows) ([]model.ChannelSummary, error) {
	defer rows.Close()
	var summaries []model.ChannelSummary
	for rows.Next() {
		summary, err := scanChannelSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func (s *Store) ListChannelsForIdentity(ctx context.Context, identityID string) ([]model.ChannelSummary, error) {
	rows, err := s.db.Query(ctx, channelSummaryQuery+`
		WHERE EXISTS (SELECT 1 FROM channel_members m WHERE m.channel_id = c.id AND m.identity_id = $1)
		ORDER BY c.updated_at DESC
	`, identityID)
	if err != nil {
		return nil, err
	}
	return s.collectChannelSummaries(rows)
}

func (s *Store) ListAvailableChannels(ctx context.Context, identityID string) ([]model.ChannelSummary, error) {
	rows, err := s.db.Query(ctx, channelSummaryQuery+`
		WHERE NOT EXISTS (SELECT 1 FROM channel_members m WHERE m.channel_id = c.id AND m.identity_id = $1)
		ORDER BY c.created_at DESC
	`, identityID)
	if err != nil {
		return nil, err
	}
	return s.collectChannelSummaries(rows)
}

// GetChannelForMember resolves a channel only when the identity belongs to it,
// so a non-member cannot tell the channel apart from a missing one.
func (s *Store) GetChannelForMember(ctx context.Context, channelID, identityID string) (model.ChannelSummary, error) {
	summary, err := scanChannelSummary(s.db.QueryRow(ctx, channelSummaryQuery+`
		WHERE c.id = $1
		  AND EXISTS (SELECT 1 FROM channel_members m WHERE m.channel_id = c.id AND m.identity_id = $2)
	`, channelID, identityID))
	if err != nil {
		return model.ChannelSummary{}, err
	}
	members, err := s.ListChannelMembers(ctx, channelID)
	if err != nil {
		return model.ChannelSummary{}, err
	}
	summary.Members = members
	return summary, nil
}

func (s *Store) CreateChannel(ctx context.Context, channel model.Channel) (model.ChannelSummary, error) {
	if s.pool == nil {
		return model.ChannelSummary{}, errors.New("pool not configured")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.ChannelSummary{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO channels (id, name, description, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, channel.ID, channel.Name, channel.Description, channel.CreatedBy, channel.CreatedAt, channel.UpdatedAt)
	if err != nil {
		return model.ChannelSummary{}, err
	}
	// The creator is a member from the start.
	_, err = tx.Exec(ctx, `
		INSERT INTO channel_members (channel_id, identity_id, joined_at)
		VALUES ($1, $2, $3)
	`, channel.ID, channel.CreatedBy, channel.CreatedAt)
	if err != nil {
		return model.ChannelSummary{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ChannelSummary{}, err
	}
	return s.GetChannelForMember(ctx, channel.ID, channel.CreatedBy)
}

func (s *Store) AddChannelMember(ctx context.Context, channelID, identityID string) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO channel_members (channel_id, identity_id, joined_at)
		SELECT c.id, i.id, now()
		FROM channels c, identities i
		WHERE c.id = $1 AND i.id = $2
		ON CONFLICT (channel_id, identity_id) DO NOTHING
	`, channelID, identityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the channel/identity is missing or the membership already
		// existed; distinguish so callers can 404 a bad channel.
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`, channelID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return model.ErrChannelNotFound
		}
	}
	return nil
}

func (s *Store) RemoveChannelMember(ctx context.Context, channelID, identityID string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM channel_members WHERE channel_id = $1 AND identity_id = $2
	`, channelID, identityID)
	return err
}

func (s *Store) IsChannelMember(ctx context.Context, channelID, identityID string) (bool, error) {
	var member bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM channel_members WHERE channel_id = $1 AND identity_id = $2
		)
	`, channelID, identityID).Scan(&member)
	return member, err
}

func (s *Store) ListChannelMembers(ctx context.Context, channelID string) ([]model.Profile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT i.id, i.display_name, i.email, i.role
		FROM channel_members m
		JOIN identities i ON i.id = m.identity_id
		WHERE m.channel_id = $1
		ORDER BY m.joined_at
	`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []model.Profile
	for rows.Next() {
		var profile model.Profile
		if err := rows.Scan(&profile.ID, &profile.DisplayName, &profile.Email, &profile.Role); err != nil {
			return nil, err
		}
		members = append(members, profile)
	}
	return members, rows.Err()
}

// CreateMessage persists a message and returns it hydrated with the stored
// sequence, timestamp, and the author's public profile.
func (s *Store) CreateMessage(ctx context.Context, message model.Message) (model.Message, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO messages (id, channel_id, author_id, body, file_url, reply_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING seq, created_at
	`, message.ID, message.ChannelID, message.AuthorID, message.Text, message.FileURL, message.ReplyTo)
	if err := row.Scan(&message.Seq, &message.CreatedAt); err != nil {
		return model.Message{}, err
	}

	var author model.Profile
	err := s.db.QueryRow(ctx, `
		SELECT id, display_name, email, role FROM identities WHERE id = $1
	`, message.AuthorID).Scan(&author.ID, &author.DisplayName, &author.Email, &author.Role)
	if err != nil {
		return model.Message{}, err
	}
	message.Author = &author

	_, err = s.db.Exec(ctx, `UPDATE channels SET updated_at = now() WHERE id = $1`, message.ChannelID)
	return message, err
}

func (s *Store) ListRecentMessages(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT msg.id, msg.channel_id, msg.author_id, msg.body, msg.file_url, msg.reply_to,
		       msg.seq, msg.created_at, i.id, i.display_name, i.email, i.role
		FROM (
			SELECT * FROM messages
			WHERE channel_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) msg
		JOIN identities i ON i.id = msg.author_id
		ORDER BY msg.created_at ASC, msg.seq ASC
	`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var message model.Message
		var author model.Profile
		if err := rows.Scan(
			&message.ID, &message.ChannelID, &message.AuthorID, &message.Text,
			&message.FileURL, &message.ReplyTo, &message.Seq, &message.CreatedAt,
			&author.ID, &author.DisplayName, &author.Email, &author.Role,
		); err != nil {
			return nil, err
		}
		message.Author = &author
		messages = append(messages, message)
	}
	return messages, rows.Err()
}
