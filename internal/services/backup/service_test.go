package backup_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cipherdm/internal/domain"
	"cipherdm/internal/services/backup"
	"cipherdm/internal/testkit"
)

func TestSealOpen(t *testing.T) {
	blob, err := backup.Seal("alice", []byte("state"), []byte("pw"), testkit.FastArgon2)
	require.NoError(t, err)
	require.Len(t, blob.AuthTag, 16)
	require.Len(t, blob.IV, 12)
	require.Len(t, blob.Salt, 16)
	require.Equal(t, domain.BackupKDFArgon2id, blob.KDF)

	pt, err := backup.Open(blob, []byte("pw"))
	require.NoError(t, err)
	require.Equal(t, "state", string(pt))

	_, err = backup.Open(blob, []byte("wrong"))
	require.ErrorIs(t, err, domain.ErrBackupDecryptionFailed)

	moved := blob
	moved.UserID = "mallory"
	_, err = backup.Open(moved, []byte("pw"))
	require.ErrorIs(t, err, domain.ErrBackupDecryptionFailed)

	old := blob
	old.FormatVersion = 0
	_, err = backup.Open(old, []byte("pw"))
	require.ErrorIs(t, err, domain.ErrUnsupportedBackup)
}

func TestBackupRestore(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	alice := testkit.Generated(t, brk, "alice", "a1")
	bob := testkit.Generated(t, brk, "bob", "b1")
	require.NoError(t, brk.SetConversationMembers(ctx, "room", []domain.UserID{"alice", "bob"}))

	m1, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("hello"))
	require.NoError(t, err)
	_, err = bob.Sessions.DecryptPairwise(ctx, alice.Addr, m1)
	require.NoError(t, err)
	g1, err := alice.Groups.EncryptGroup(ctx, "room", []byte("group hello"))
	require.NoError(t, err)
	_, err = bob.Groups.ReceiveKeyShares(ctx)
	require.NoError(t, err)

	has, err := bob.Backups.HasBackup(ctx)
	require.NoError(t, err)
	require.False(t, has)

	blob, err := bob.Backups.CreateBackup(ctx, []byte("correct horse"))
	require.NoError(t, err)
	require.Equal(t, 1, blob.DeviceCount)
	has, err = bob.Backups.HasBackup(ctx)
	require.NoError(t, err)
	require.True(t, has)

	before, err := bob.DB.Export()
	require.NoError(t, err)
	identity, err := bob.Identity.DeviceIdentity()
	require.NoError(t, err)

	_, err = bob.Backups.RestoreFromBackup(ctx, []byte("wrong horse"))
	require.ErrorIs(t, err, domain.ErrBackupDecryptionFailed)
	after, err := bob.DB.Export()
	require.NoError(t, err)
	require.Equal(t, before, after)

	require.NoError(t, bob.DB.Wipe())
	_, err = bob.Identity.DeviceIdentity()
	require.ErrorIs(t, err, domain.ErrNoAccount)

	snap, err := bob.Backups.RestoreFromBackup(ctx, []byte("correct horse"))
	require.NoError(t, err)
	require.Len(t, snap.Sessions, 1)
	require.Len(t, snap.Inbound, 1)

	restored, err := bob.Identity.DeviceIdentity()
	require.NoError(t, err)
	require.Equal(t, identity.IdentityKey, restored.IdentityKey)
	require.Equal(t, identity.SigningKey, restored.SigningKey)

	// Restored sessions keep working in both directions.
	pt, err := bob.Groups.DecryptGroup(ctx, "room", g1)
	require.NoError(t, err)
	require.Equal(t, "group hello", string(pt))
	m2, err := alice.Sessions.EncryptPairwise(ctx, bob.Addr, []byte("again"))
	require.NoError(t, err)
	pt, err = bob.Sessions.DecryptPairwise(ctx, alice.Addr, m2)
	require.NoError(t, err)
	require.Equal(t, "again", string(pt))
}

func TestRestoreWithoutBackup(t *testing.T) {
	ctx := testkit.Context(t)
	brk := testkit.Broker(t)
	bob := testkit.Generated(t, brk, "bob", "b1")

	_, err := bob.Backups.RestoreFromBackup(ctx, []byte("pw"))
	require.ErrorIs(t, err, domain.ErrBackupNotFound)
	_, err = bob.Backups.CreateBackup(ctx, nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
