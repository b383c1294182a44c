package broker

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"cipherdm/internal/domain"
)

// SetConversationMembers replaces the member list of conv.
func (s *Store) SetConversationMembers(ctx context.Context, conv domain.ConversationID, members []domain.UserID) error {
	if conv == "" {
		return errors.Wrap(domain.ErrInvalidArgument, "empty conversation id")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_members WHERE conversation_id = ?`, conv); err != nil {
			return errors.Wrap(err, "clear members")
		}
		for _, m := range members {
			if m == "" {
				return errors.Wrap(domain.ErrInvalidArgument, "empty member id")
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO conversation_members
				(conversation_id, user_id) VALUES (?, ?)`, conv, m); err != nil {
				return errors.Wrapf(err, "add member %s", m)
			}
		}
		return nil
	})
}

// ConversationMembers returns the members of conv ordered by user id. An
// unknown conversation has no members.
func (s *Store) ConversationMembers(ctx context.Context, conv domain.ConversationID) ([]domain.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM conversation_members
		WHERE conversation_id = ? ORDER BY user_id`, conv)
	if err != nil {
		return nil, errors.Wrap(err, "list members")
	}
	defer rows.Close()

	var out []domain.UserID
	for rows.Next() {
		var u domain.UserID
		if err := rows.Scan(&u); err != nil {
			return nil, errors.Wrap(err, "scan member")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "list members")
}
