package broker

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"cipherdm/internal/domain"
)

const verificationColumns = `transaction_id,
	initiator_user_id, initiator_device_id, initiator_commitment, initiator_key, initiator_mac, initiator_confirmed,
	target_user_id, target_device_id, target_key, target_mac, target_confirmed,
	status, created_at, updated_at, expires_at`

func keyOrNil(k domain.X25519Public) []byte {
	if k.IsZero() {
		return nil
	}
	return k.Slice()
}

func verificationArgs(v domain.Verification) []any {
	return []any{
		v.Initiator.UserID, v.Initiator.DeviceID, v.Initiator.Commitment,
		keyOrNil(v.Initiator.PublicKey), v.Initiator.MAC, boolInt(v.Initiator.Confirmed),
		v.Target.UserID, v.Target.DeviceID,
		keyOrNil(v.Target.PublicKey), v.Target.MAC, boolInt(v.Target.Confirmed),
		string(v.Status), millis(v.UpdatedAt), millis(v.ExpiresAt),
	}
}

// CreateVerification stores a new transaction. The id must be unused.
func (s *Store) CreateVerification(ctx context.Context, v domain.Verification) error {
	if v.TransactionID == "" || v.Initiator.UserID == "" || v.Target.UserID == "" || v.ExpiresAt.IsZero() {
		return errors.Wrap(domain.ErrInvalidArgument, "verification incomplete")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}
	args := append([]any{v.TransactionID}, verificationArgs(v)...)
	args = append(args, millis(v.CreatedAt))
	_, err := s.db.ExecContext(ctx, `INSERT INTO verifications (transaction_id,
			initiator_user_id, initiator_device_id, initiator_commitment, initiator_key, initiator_mac, initiator_confirmed,
			target_user_id, target_device_id, target_key, target_mac, target_confirmed,
			status, updated_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return errors.Wrapf(domain.ErrConflict, "transaction %s exists", v.TransactionID)
		}
		return errors.Wrap(err, "create verification")
	}
	s.metrics.verifications.WithLabelValues(string(v.Status)).Inc()
	return nil
}

// GetVerification returns the transaction with id.
func (s *Store) GetVerification(ctx context.Context, id domain.TransactionID) (domain.Verification, error) {
	var (
		v                         domain.Verification
		ik, tk                    []byte
		ic, tc                    int
		status                    string
		created, updated, expires int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verifications
		WHERE transaction_id = ?`, id).Scan(&v.TransactionID,
		&v.Initiator.UserID, &v.Initiator.DeviceID, &v.Initiator.Commitment, &ik, &v.Initiator.MAC, &ic,
		&v.Target.UserID, &v.Target.DeviceID, &tk, &v.Target.MAC, &tc,
		&status, &created, &updated, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Verification{}, errors.Wrapf(domain.ErrNotFound, "transaction %s", id)
	}
	if err != nil {
		return domain.Verification{}, errors.Wrap(err, "get verification")
	}
	copy(v.Initiator.PublicKey[:], ik)
	copy(v.Target.PublicKey[:], tk)
	v.Initiator.Confirmed = ic != 0
	v.Target.Confirmed = tc != 0
	v.Status = domain.VerificationStatus(status)
	v.CreatedAt = fromMillis(created)
	v.UpdatedAt = fromMillis(updated)
	v.ExpiresAt = fromMillis(expires)
	return v, nil
}

// UpdateVerification overwrites the mutable fields of v, but only while the
// stored status still equals expect. A lost race yields ErrConflict.
func (s *Store) UpdateVerification(ctx context.Context, v domain.Verification, expect domain.VerificationStatus) error {
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = s.now()
	}
	args := append(verificationArgs(v), v.TransactionID, string(expect))
	res, err := s.db.ExecContext(ctx, `UPDATE verifications SET
			initiator_user_id = ?, initiator_device_id = ?, initiator_commitment = ?,
			initiator_key = ?, initiator_mac = ?, initiator_confirmed = ?,
			target_user_id = ?, target_device_id = ?, target_key = ?, target_mac = ?, target_confirmed = ?,
			status = ?, updated_at = ?, expires_at = ?
		WHERE transaction_id = ? AND status = ?`, args...)
	if err != nil {
		return errors.Wrap(err, "update verification")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if v.Status != expect {
			s.metrics.verifications.WithLabelValues(string(v.Status)).Inc()
		}
		return nil
	}
	if _, err := s.GetVerification(ctx, v.TransactionID); err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrConflict, "transaction %s is no longer %s", v.TransactionID, expect)
}

// ExpireVerifications moves every open transaction whose deadline has
// passed to expired and returns how many were moved.
func (s *Store) ExpireVerifications(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE verifications SET status = ?, updated_at = ?
		WHERE status IN (?, ?, ?) AND expires_at <= ?`,
		string(domain.VerificationExpired), millis(now),
		string(domain.VerificationStarted), string(domain.VerificationAccepted),
		string(domain.VerificationConfirmed), millis(now))
	if err != nil {
		return 0, errors.Wrap(err, "expire verifications")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.metrics.verifications.WithLabelValues(string(domain.VerificationExpired)).Add(float64(n))
		jww.INFO.Printf("[BROKER] expired %d verification(s)", n)
	}
	return n, nil
}
