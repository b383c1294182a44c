package broker

import (
	"bytes"
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"cipherdm/internal/domain"
)

const deviceColumns = `user_id, device_id, identity_key, signing_key, signed_prekey_id,
	signed_prekey, signed_prekey_signature, master_signature, verified,
	verification_method, verified_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(r rowScanner) (domain.DeviceIdentity, error) {
	var (
		d                domain.DeviceIdentity
		ik, sk, spk      []byte
		verified         int
		method           string
		verifiedAt       sql.NullInt64
		created, updated int64
	)
	err := r.Scan(&d.UserID, &d.DeviceID, &ik, &sk, &d.SignedPrekey.ID,
		&spk, &d.SignedPrekey.Signature, &d.MasterSignature, &verified,
		&method, &verifiedAt, &created, &updated)
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	copy(d.IdentityKey[:], ik)
	copy(d.SigningKey[:], sk)
	copy(d.SignedPrekey.PublicKey[:], spk)
	d.Verified = verified != 0
	d.VerificationMethod = domain.VerificationMethod(method)
	d.VerifiedAt = nullMillis(verifiedAt)
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return d, nil
}

// PublishDeviceKeys upserts the public keys of a device. Publishing a
// different identity key for an existing device discards all of its
// one-time prekeys and its verification flag.
func (s *Store) PublishDeviceKeys(ctx context.Context, d domain.DeviceIdentity) error {
	if d.UserID == "" || d.DeviceID == "" || d.IdentityKey.IsZero() || d.SigningKey.IsZero() {
		return errors.Wrap(domain.ErrInvalidArgument, "device keys incomplete")
	}
	now := millis(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var old []byte
		err := tx.QueryRowContext(ctx,
			`SELECT identity_key FROM devices WHERE user_id = ? AND device_id = ?`,
			d.UserID, d.DeviceID).Scan(&old)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `INSERT INTO devices (`+deviceColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', NULL, ?, ?)`,
				d.UserID, d.DeviceID, d.IdentityKey.Slice(), d.SigningKey.Slice(),
				d.SignedPrekey.ID, d.SignedPrekey.PublicKey.Slice(), d.SignedPrekey.Signature,
				d.MasterSignature, now, now)
			return errors.Wrap(err, "insert device")
		case err != nil:
			return errors.Wrap(err, "load device")
		}

		if !bytes.Equal(old, d.IdentityKey.Slice()) {
			jww.WARN.Printf("[BROKER] identity key replaced for %s", d.Address())
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM one_time_prekeys WHERE user_id = ? AND device_id = ?`,
				d.UserID, d.DeviceID); err != nil {
				return errors.Wrap(err, "drop stale prekeys")
			}
			_, err = tx.ExecContext(ctx, `UPDATE devices SET identity_key = ?, signing_key = ?,
				signed_prekey_id = ?, signed_prekey = ?, signed_prekey_signature = ?,
				master_signature = ?, verified = 0, verification_method = '', verified_at = NULL,
				updated_at = ?
				WHERE user_id = ? AND device_id = ?`,
				d.IdentityKey.Slice(), d.SigningKey.Slice(), d.SignedPrekey.ID,
				d.SignedPrekey.PublicKey.Slice(), d.SignedPrekey.Signature, d.MasterSignature,
				now, d.UserID, d.DeviceID)
			return errors.Wrap(err, "replace device")
		}

		_, err = tx.ExecContext(ctx, `UPDATE devices SET signing_key = ?, signed_prekey_id = ?,
			signed_prekey = ?, signed_prekey_signature = ?, master_signature = ?, updated_at = ?
			WHERE user_id = ? AND device_id = ?`,
			d.SigningKey.Slice(), d.SignedPrekey.ID, d.SignedPrekey.PublicKey.Slice(),
			d.SignedPrekey.Signature, d.MasterSignature, now, d.UserID, d.DeviceID)
		return errors.Wrap(err, "update device")
	})
}

// FetchDeviceKeys returns the published keys of addr.
func (s *Store) FetchDeviceKeys(ctx context.Context, addr domain.DeviceAddress) (domain.DeviceIdentity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices
		WHERE user_id = ? AND device_id = ?`, addr.UserID, addr.DeviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeviceIdentity{}, errors.Wrapf(domain.ErrDeviceNotFound, "device %s", addr)
	}
	return d, errors.Wrap(err, "fetch device")
}

// ListDevices returns every device of user ordered by device id.
func (s *Store) ListDevices(ctx context.Context, user domain.UserID) ([]domain.DeviceIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices
		WHERE user_id = ? ORDER BY device_id`, user)
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}
	defer rows.Close()

	var out []domain.DeviceIdentity
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan device")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "list devices")
}

// DeleteDevice removes a device together with its unclaimed prekeys.
func (s *Store) DeleteDevice(ctx context.Context, addr domain.DeviceAddress) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ? AND device_id = ?`,
			addr.UserID, addr.DeviceID)
		if err != nil {
			return errors.Wrap(err, "delete device")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(domain.ErrDeviceNotFound, "device %s", addr)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM one_time_prekeys WHERE user_id = ? AND device_id = ?`,
			addr.UserID, addr.DeviceID)
		return errors.Wrap(err, "delete prekeys")
	})
}

// PublishOneTimePrekeys adds keys to the pool of addr. Key ids that are
// already known, claimed or not, are ignored.
func (s *Store) PublishOneTimePrekeys(ctx context.Context, addr domain.DeviceAddress, keys []domain.OneTimePrekey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE user_id = ? AND device_id = ?`,
			addr.UserID, addr.DeviceID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(domain.ErrDeviceNotFound, "device %s", addr)
		}
		if err != nil {
			return errors.Wrap(err, "load device")
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO one_time_prekeys
			(user_id, device_id, key_id, public_key) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return errors.Wrap(err, "prepare")
		}
		defer stmt.Close()

		added := 0
		for _, k := range keys {
			if k.KeyID == 0 || k.PublicKey.IsZero() {
				return errors.Wrap(domain.ErrInvalidArgument, "one-time prekey without id or key")
			}
			res, err := stmt.ExecContext(ctx, addr.UserID, addr.DeviceID, k.KeyID, k.PublicKey.Slice())
			if err != nil {
				return errors.Wrapf(err, "insert prekey %d", k.KeyID)
			}
			n, _ := res.RowsAffected()
			added += int(n)
		}
		s.metrics.prekeysPublished.Add(float64(added))
		jww.DEBUG.Printf("[BROKER] %s published %d prekeys (%d new)", addr, len(keys), added)
		return nil
	})
}

// CountOneTimePrekeys returns the number of unclaimed prekeys of addr.
func (s *Store) CountOneTimePrekeys(ctx context.Context, addr domain.DeviceAddress) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM one_time_prekeys
		WHERE user_id = ? AND device_id = ? AND claimed_at IS NULL`,
		addr.UserID, addr.DeviceID).Scan(&n)
	return n, errors.Wrap(err, "count prekeys")
}

// ClaimOneTimePrekey hands out the lowest unclaimed prekey of target and
// marks it claimed by claimant in the same statement, so no key is ever
// returned twice.
func (s *Store) ClaimOneTimePrekey(ctx context.Context, claimant, target domain.DeviceAddress) (domain.OneTimePrekey, error) {
	now := s.now()
	var (
		k   domain.OneTimePrekey
		pub []byte
	)
	err := s.db.QueryRowContext(ctx, `UPDATE one_time_prekeys
		SET claimed_at = ?, claimed_by_user = ?, claimed_by_device = ?
		WHERE id = (
			SELECT id FROM one_time_prekeys
			WHERE user_id = ? AND device_id = ? AND claimed_at IS NULL
			ORDER BY key_id LIMIT 1)
		RETURNING key_id, public_key`,
		millis(now), claimant.UserID, claimant.DeviceID,
		target.UserID, target.DeviceID).Scan(&k.KeyID, &pub)
	if errors.Is(err, sql.ErrNoRows) {
		s.metrics.claimsExhausted.Inc()
		return domain.OneTimePrekey{}, errors.Wrapf(domain.ErrClaimExhausted, "device %s", target)
	}
	if err != nil {
		return domain.OneTimePrekey{}, errors.Wrap(err, "claim prekey")
	}
	copy(k.PublicKey[:], pub)
	at := fromMillis(millis(now))
	k.ClaimedAt = &at
	k.ClaimedBy = &claimant
	s.metrics.prekeysClaimed.Inc()
	return k, nil
}

// PublishMasterKey sets the cross-signing master key of user.
func (s *Store) PublishMasterKey(ctx context.Context, user domain.UserID, key domain.Ed25519Public) error {
	if user == "" || key.IsZero() {
		return errors.Wrap(domain.ErrInvalidArgument, "master key incomplete")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO master_keys (user_id, master_key, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET master_key = excluded.master_key, updated_at = excluded.updated_at`,
		user, key.Slice(), millis(s.now()))
	return errors.Wrap(err, "publish master key")
}

// FetchMasterKey returns the current master key of user.
func (s *Store) FetchMasterKey(ctx context.Context, user domain.UserID) (domain.Ed25519Public, error) {
	var (
		raw []byte
		key domain.Ed25519Public
	)
	err := s.db.QueryRowContext(ctx, `SELECT master_key FROM master_keys WHERE user_id = ?`, user).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return key, errors.Wrapf(domain.ErrNotFound, "master key of %s", user)
	}
	if err != nil {
		return key, errors.Wrap(err, "fetch master key")
	}
	copy(key[:], raw)
	return key, nil
}

// MarkDeviceVerified sets the verification flag of addr.
func (s *Store) MarkDeviceVerified(ctx context.Context, addr domain.DeviceAddress, method domain.VerificationMethod, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices
		SET verified = 1, verification_method = ?, verified_at = ?, updated_at = ?
		WHERE user_id = ? AND device_id = ?`,
		string(method), millis(at), millis(s.now()), addr.UserID, addr.DeviceID)
	if err != nil {
		return errors.Wrap(err, "mark verified")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrDeviceNotFound, "device %s", addr)
	}
	return nil
}

var _ domain.Broker = (*Store)(nil)
