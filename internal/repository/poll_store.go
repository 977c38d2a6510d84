package repository

import (
	"context"
	"fmt"

	"engage_inbound/internal/entities"

	"github.com/jackc/pgx/v5"
)

const pollColumns = `poll_id, COALESCE(tenant_id, ''), COALESCE(instance_id, ''), COALESCE(chat_id, ''), question, options,
	selectable_count, creation_message_key, message_secret, COALESCE(media_type, ''), reply_message_ids, vote_counts, created_at`

func scanPoll(row pgx.Row) (*entities.Poll, error) {
	var (
		p                       entities.Poll
		options, key, voteCount []byte
	)
	err := row.Scan(&p.PollID, &p.TenantID, &p.InstanceID, &p.ChatID, &p.Question, &options, &p.SelectableCount,
		&key, &p.MessageSecret, &p.MediaType, &p.ReplyMessageIDs, &voteCount, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(options, &p.Options); err != nil {
		return nil, fmt.Errorf("decode poll options: %w", err)
	}
	if len(key) > 0 && string(key) != "null" {
		p.CreationMessageKey = &entities.MessageKey{}
		if err := decodeJSON(key, p.CreationMessageKey); err != nil {
			return nil, fmt.Errorf("decode poll message key: %w", err)
		}
	}
	if err := decodeJSON(voteCount, &p.VoteCounts); err != nil {
		return nil, fmt.Errorf("decode poll vote counts: %w", err)
	}
	return &p, nil
}

func (s *Store) FindPoll(ctx context.Context, pollID string) (*entities.Poll, error) {
	p, err := scanPoll(s.db.QueryRow(ctx, `SELECT `+pollColumns+` FROM polls WHERE poll_id = $1`, pollID))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find poll: %w", err)
	}
	return p, nil
}

// UpsertPoll stores the definition. Later sightings only fill columns that are still empty;
// vote counts are owned by UpdatePollVoteCounts.
func (s *Store) UpsertPoll(ctx context.Context, poll *entities.Poll) error {
	options, err := encodeJSON(poll.Options)
	if err != nil {
		return fmt.Errorf("encode poll options: %w", err)
	}
	var key []byte
	if poll.CreationMessageKey != nil {
		if key, err = encodeJSON(poll.CreationMessageKey); err != nil {
			return fmt.Errorf("encode poll message key: %w", err)
		}
	}
	replyIDs := poll.ReplyMessageIDs
	if replyIDs == nil {
		replyIDs = []string{}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO polls (poll_id, tenant_id, instance_id, chat_id, question, options, selectable_count,
			creation_message_key, message_secret, media_type, reply_message_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (poll_id) DO UPDATE SET
			tenant_id = COALESCE(polls.tenant_id, EXCLUDED.tenant_id),
			instance_id = COALESCE(polls.instance_id, EXCLUDED.instance_id),
			chat_id = COALESCE(polls.chat_id, EXCLUDED.chat_id),
			question = COALESCE(NULLIF(polls.question, ''), EXCLUDED.question),
			options = CASE WHEN jsonb_array_length(polls.options) = 0 THEN EXCLUDED.options ELSE polls.options END,
			selectable_count = GREATEST(polls.selectable_count, EXCLUDED.selectable_count),
			creation_message_key = COALESCE(polls.creation_message_key, EXCLUDED.creation_message_key),
			message_secret = COALESCE(polls.message_secret, EXCLUDED.message_secret),
			media_type = COALESCE(polls.media_type, EXCLUDED.media_type),
			reply_message_ids = ARRAY(SELECT DISTINCT unnest(polls.reply_message_ids || EXCLUDED.reply_message_ids))`,
		poll.PollID, nullable(poll.TenantID), nullable(poll.InstanceID), nullable(poll.ChatID), poll.Question,
		options, poll.SelectableCount, key, poll.MessageSecret, nullable(poll.MediaType), replyIDs, poll.CreatedAt)
	return mapError("upsert poll", err)
}

// UpsertPollVote keeps the latest vote per voter; an older vote leaves the row untouched.
func (s *Store) UpsertPollVote(ctx context.Context, vote entities.PollVote) (bool, error) {
	selected, err := encodeJSON(vote.SelectedOptions)
	if err != nil {
		return false, fmt.Errorf("encode selected options: %w", err)
	}
	if vote.SelectedOptions == nil {
		selected = []byte("[]")
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO poll_votes (poll_id, voter_jid, selected_options, voted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (poll_id, voter_jid) DO UPDATE SET
			selected_options = EXCLUDED.selected_options,
			voted_at = EXCLUDED.voted_at
		WHERE poll_votes.voted_at <= EXCLUDED.voted_at`,
		vote.PollID, vote.VoterJID, selected, vote.Timestamp)
	if err != nil {
		return false, mapError("upsert poll vote", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListPollVotes(ctx context.Context, pollID string) ([]entities.PollVote, error) {
	rows, err := s.db.Query(ctx, `
		SELECT poll_id, voter_jid, selected_options, voted_at
		FROM poll_votes WHERE poll_id = $1
		ORDER BY voted_at ASC, voter_jid ASC`, pollID)
	if err != nil {
		return nil, fmt.Errorf("list poll votes: %w", err)
	}
	defer rows.Close()

	var votes []entities.PollVote
	for rows.Next() {
		var (
			v        entities.PollVote
			selected []byte
		)
		if err := rows.Scan(&v.PollID, &v.VoterJID, &selected, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("scan poll vote: %w", err)
		}
		if err := decodeJSON(selected, &v.SelectedOptions); err != nil {
			return nil, fmt.Errorf("decode selected options: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (s *Store) UpdatePollVoteCounts(ctx context.Context, pollID string, counts map[string]int) error {
	encoded, err := encodeJSON(counts)
	if err != nil {
		return fmt.Errorf("encode vote counts: %w", err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE polls SET vote_counts = $2 WHERE poll_id = $1`, pollID, encoded)
	if err != nil {
		return mapError("update vote counts", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update vote counts: poll %s not found", pollID)
	}
	return nil
}
