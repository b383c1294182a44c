package broker

import (
	"context"

	"github.com/pkg/errors"

	"cipherdm/internal/domain"
)

const shareColumns = `conversation_id, session_id, sender_user_id, sender_device_id,
	recipient_user_id, recipient_device_id, ciphertext, claimed_count, forwarded_count,
	created_at, updated_at`

// PutGroupKeyShare upserts a share. Putting an existing share replaces its
// ciphertext and makes it pending again; the counters are kept.
func (s *Store) PutGroupKeyShare(ctx context.Context, sh domain.GroupKeyShare) error {
	if sh.ConversationID == "" || sh.SessionID == "" || sh.SenderDeviceID == "" ||
		sh.RecipientUserID == "" || sh.RecipientDeviceID == "" || len(sh.Ciphertext) == 0 {
		return errors.Wrap(domain.ErrInvalidArgument, "group key share incomplete")
	}
	now := millis(s.now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO group_key_shares (`+shareColumns+`, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, 1)
		ON CONFLICT (conversation_id, session_id, sender_device_id, recipient_user_id, recipient_device_id)
		DO UPDATE SET ciphertext = excluded.ciphertext, sender_user_id = excluded.sender_user_id,
			pending = 1, updated_at = excluded.updated_at`,
		sh.ConversationID, sh.SessionID, sh.SenderUserID, sh.SenderDeviceID,
		sh.RecipientUserID, sh.RecipientDeviceID, sh.Ciphertext, now, now)
	if err != nil {
		return errors.Wrap(err, "put group key share")
	}
	s.metrics.sharesStored.Inc()
	return nil
}

// ListPendingGroupKeyShares returns the shares recipient has not claimed
// since they were last put, oldest first.
func (s *Store) ListPendingGroupKeyShares(ctx context.Context, recipient domain.DeviceAddress) ([]domain.GroupKeyShare, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+shareColumns+` FROM group_key_shares
		WHERE recipient_user_id = ? AND recipient_device_id = ? AND pending = 1
		ORDER BY updated_at, conversation_id, session_id`,
		recipient.UserID, recipient.DeviceID)
	if err != nil {
		return nil, errors.Wrap(err, "list shares")
	}
	defer rows.Close()

	var out []domain.GroupKeyShare
	for rows.Next() {
		var (
			sh               domain.GroupKeyShare
			created, updated int64
		)
		if err := rows.Scan(&sh.ConversationID, &sh.SessionID, &sh.SenderUserID, &sh.SenderDeviceID,
			&sh.RecipientUserID, &sh.RecipientDeviceID, &sh.Ciphertext, &sh.ClaimedCount,
			&sh.ForwardedCount, &created, &updated); err != nil {
			return nil, errors.Wrap(err, "scan share")
		}
		sh.CreatedAt = fromMillis(created)
		sh.UpdatedAt = fromMillis(updated)
		out = append(out, sh)
	}
	return out, errors.Wrap(rows.Err(), "list shares")
}

// MarkGroupKeyShareClaimed clears the pending flag of sh and bumps its
// claimed counter.
func (s *Store) MarkGroupKeyShareClaimed(ctx context.Context, sh domain.GroupKeyShare) error {
	return s.bumpShare(ctx, sh, `pending = 0, claimed_count = claimed_count + 1`)
}

// MarkGroupKeyShareForwarded bumps the forwarded counter of sh.
func (s *Store) MarkGroupKeyShareForwarded(ctx context.Context, sh domain.GroupKeyShare) error {
	return s.bumpShare(ctx, sh, `forwarded_count = forwarded_count + 1`)
}

func (s *Store) bumpShare(ctx context.Context, sh domain.GroupKeyShare, set string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE group_key_shares SET `+set+`, updated_at = ?
		WHERE conversation_id = ? AND session_id = ? AND sender_device_id = ?
			AND recipient_user_id = ? AND recipient_device_id = ?`,
		millis(s.now()), sh.ConversationID, sh.SessionID, sh.SenderDeviceID,
		sh.RecipientUserID, sh.RecipientDeviceID)
	if err != nil {
		return errors.Wrap(err, "update share")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "share %s/%s for %s", sh.ConversationID, sh.SessionID, sh.Recipient())
	}
	return nil
}
