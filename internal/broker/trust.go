package broker

import (
	"context"

	"github.com/pkg/errors"

	"cipherdm/internal/domain"
)

// PutTrust upserts r, keyed by truster, trusted user and master key.
func (s *Store) PutTrust(ctx context.Context, r domain.TrustRecord) error {
	if r.TrusterUserID == "" || r.TrustedUserID == "" || r.TrustedMasterKey.IsZero() {
		return errors.Wrap(domain.ErrInvalidArgument, "trust record incomplete")
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO trust
			(truster_user_id, trusted_user_id, trusted_master_key, level, method, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (truster_user_id, trusted_user_id, trusted_master_key)
		DO UPDATE SET level = excluded.level, method = excluded.method`,
		r.TrusterUserID, r.TrustedUserID, r.TrustedMasterKey.Slice(),
		string(r.Level), string(r.Method), millis(created))
	return errors.Wrap(err, "put trust")
}

// ListTrust returns every record held by truster.
func (s *Store) ListTrust(ctx context.Context, truster domain.UserID) ([]domain.TrustRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT truster_user_id, trusted_user_id, trusted_master_key,
			level, method, created_at
		FROM trust WHERE truster_user_id = ? ORDER BY trusted_user_id, created_at`, truster)
	if err != nil {
		return nil, errors.Wrap(err, "list trust")
	}
	defer rows.Close()

	var out []domain.TrustRecord
	for rows.Next() {
		var (
			r             domain.TrustRecord
			key           []byte
			level, method string
			created       int64
		)
		if err := rows.Scan(&r.TrusterUserID, &r.TrustedUserID, &key, &level, &method, &created); err != nil {
			return nil, errors.Wrap(err, "scan trust")
		}
		copy(r.TrustedMasterKey[:], key)
		r.Level = domain.TrustLevel(level)
		r.Method = domain.VerificationMethod(method)
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "list trust")
}

// DeleteTrust removes every record truster holds about trusted.
func (s *Store) DeleteTrust(ctx context.Context, truster, trusted domain.UserID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM trust WHERE truster_user_id = ? AND trusted_user_id = ?`,
		truster, trusted)
	return errors.Wrap(err, "delete trust")
}
