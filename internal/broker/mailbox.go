package broker

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"cipherdm/internal/domain"
)

// DefaultFetchLimit caps FetchEnvelopes when the caller passes no limit.
const DefaultFetchLimit = 100

// PostEnvelope queues env for env.To. Reposting an envelope id that is
// still queued is a no-op.
func (s *Store) PostEnvelope(ctx context.Context, env domain.Envelope) error {
	if env.To.UserID == "" || env.To.DeviceID == "" || len(env.Payload) == 0 {
		return errors.Wrap(domain.ErrInvalidArgument, "envelope without recipient or payload")
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO mailbox (envelope_id, to_user_id,
			to_device_id, from_user_id, from_device_id, kind, conversation_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.To.UserID, env.To.DeviceID, env.From.UserID, env.From.DeviceID,
		string(env.Kind), env.ConversationID, env.Payload, millis(ts))
	if err != nil {
		return errors.Wrap(err, "post envelope")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.metrics.envelopes.WithLabelValues("posted").Inc()
	}
	return nil
}

// FetchEnvelopes returns up to limit queued envelopes for to in arrival
// order. They stay queued until acknowledged.
func (s *Store) FetchEnvelopes(ctx context.Context, to domain.DeviceAddress, limit int) ([]domain.Envelope, error) {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT envelope_id, to_user_id, to_device_id, from_user_id,
			from_device_id, kind, conversation_id, payload, created_at
		FROM mailbox WHERE to_user_id = ? AND to_device_id = ? ORDER BY seq LIMIT ?`,
		to.UserID, to.DeviceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "fetch envelopes")
	}
	defer rows.Close()

	var out []domain.Envelope
	for rows.Next() {
		var (
			env  domain.Envelope
			kind string
			ts   int64
		)
		if err := rows.Scan(&env.ID, &env.To.UserID, &env.To.DeviceID, &env.From.UserID,
			&env.From.DeviceID, &kind, &env.ConversationID, &env.Payload, &ts); err != nil {
			return nil, errors.Wrap(err, "scan envelope")
		}
		env.Kind = domain.EnvelopeKind(kind)
		env.Timestamp = fromMillis(ts)
		out = append(out, env)
	}
	return out, errors.Wrap(rows.Err(), "fetch envelopes")
}

// AckEnvelopes drops the listed envelopes from the queue of to. Unknown ids
// are ignored.
func (s *Store) AckEnvelopes(ctx context.Context, to domain.DeviceAddress, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM mailbox
			WHERE to_user_id = ? AND to_device_id = ? AND envelope_id = ?`)
		if err != nil {
			return errors.Wrap(err, "prepare")
		}
		defer stmt.Close()
		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, to.UserID, to.DeviceID, id)
			if err != nil {
				return errors.Wrapf(err, "ack %s", id)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				s.metrics.envelopes.WithLabelValues("acked").Inc()
			}
		}
		return nil
	})
}
