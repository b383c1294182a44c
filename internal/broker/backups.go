package broker

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"cipherdm/internal/domain"
)

// PutBackup replaces the backup of b.UserID wholesale.
func (s *Store) PutBackup(ctx context.Context, b domain.BackupBlob) error {
	if b.UserID == "" || len(b.EncryptedPayload) == 0 {
		return errors.Wrap(domain.ErrInvalidArgument, "backup incomplete")
	}
	updated := b.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO backups (user_id, encrypted_payload, iv, auth_tag,
			salt, kdf, kdf_iterations, kdf_memory_kib, kdf_threads, format_version, device_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			encrypted_payload = excluded.encrypted_payload, iv = excluded.iv,
			auth_tag = excluded.auth_tag, salt = excluded.salt, kdf = excluded.kdf,
			kdf_iterations = excluded.kdf_iterations, kdf_memory_kib = excluded.kdf_memory_kib,
			kdf_threads = excluded.kdf_threads, format_version = excluded.format_version,
			device_count = excluded.device_count, updated_at = excluded.updated_at`,
		b.UserID, b.EncryptedPayload, b.IV, b.AuthTag, b.Salt, b.KDF, b.KDFIterations,
		b.KDFMemoryKiB, b.KDFThreads, b.FormatVersion, b.DeviceCount, millis(updated))
	return errors.Wrap(err, "put backup")
}

// GetBackup returns the backup of user.
func (s *Store) GetBackup(ctx context.Context, user domain.UserID) (domain.BackupBlob, error) {
	var (
		b       domain.BackupBlob
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT user_id, encrypted_payload, iv, auth_tag, salt, kdf,
			kdf_iterations, kdf_memory_kib, kdf_threads, format_version, device_count, updated_at
		FROM backups WHERE user_id = ?`, user).Scan(&b.UserID, &b.EncryptedPayload, &b.IV,
		&b.AuthTag, &b.Salt, &b.KDF, &b.KDFIterations, &b.KDFMemoryKiB, &b.KDFThreads,
		&b.FormatVersion, &b.DeviceCount, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BackupBlob{}, errors.Wrapf(domain.ErrBackupNotFound, "user %s", user)
	}
	if err != nil {
		return domain.BackupBlob{}, errors.Wrap(err, "get backup")
	}
	b.UpdatedAt = fromMillis(updated)
	return b, nil
}
