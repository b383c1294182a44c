package backup

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
	"cipherdm/internal/engine"
)

// Service backs up and restores the whole local crypto state.
type Service struct {
	self    domain.DeviceAddress
	eng     *engine.Engine
	local   domain.SnapshotStore
	backups domain.BackupStore
	dir     domain.KeyDirectory
	params  crypto.Argon2Params
	now     func() time.Time
}

// New returns a backup service. Zero params select
// crypto.DefaultArgon2Params.
func New(
	self domain.DeviceAddress,
	eng *engine.Engine,
	local domain.SnapshotStore,
	backups domain.BackupStore,
	dir domain.KeyDirectory,
	params crypto.Argon2Params,
) *Service {
	if params == (crypto.Argon2Params{}) {
		params = crypto.DefaultArgon2Params
	}
	return &Service{self: self, eng: eng, local: local, backups: backups, dir: dir, params: params, now: time.Now}
}

// CreateBackup exports the account and every session, encrypts them
// under password and replaces the user's backup on the broker.
func (s *Service) CreateBackup(ctx context.Context, password []byte) (domain.BackupBlob, error) {
	if len(password) == 0 {
		return domain.BackupBlob{}, errors.Wrap(domain.ErrInvalidArgument, "empty backup password")
	}
	snap, err := s.local.Export()
	if err != nil {
		return domain.BackupBlob{}, err
	}
	if len(snap.Account) == 0 {
		return domain.BackupBlob{}, domain.ErrNoAccount
	}
	raw, err := s.convert(snap, s.eng.ExportPickle)
	if err != nil {
		return domain.BackupBlob{}, errors.Wrap(err, "export state")
	}
	payload, err := cbor.Marshal(raw)
	if err != nil {
		return domain.BackupBlob{}, errors.Wrap(err, "encode backup")
	}

	blob, err := Seal(s.self.UserID, payload, password, s.params)
	if err != nil {
		return domain.BackupBlob{}, err
	}
	blob.DeviceCount = 1
	if devices, err := s.dir.ListDevices(ctx, s.self.UserID); err == nil && len(devices) > 0 {
		blob.DeviceCount = len(devices)
	}
	blob.UpdatedAt = s.now().UTC()
	if err := s.backups.PutBackup(ctx, blob); err != nil {
		return domain.BackupBlob{}, err
	}
	jww.INFO.Printf("[BACKUP] stored backup of %s: %d session(s), %d inbound group session(s)",
		s.self, len(snap.Sessions), len(snap.Inbound))
	return blob, nil
}

// RestoreFromBackup replaces the local state with the user's backup.
// Nothing local changes unless the backup decrypts and every pickle in it
// is valid.
func (s *Service) RestoreFromBackup(ctx context.Context, password []byte) (domain.Snapshot, error) {
	blob, err := s.backups.GetBackup(ctx, s.self.UserID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	payload, err := Open(blob, password)
	if err != nil {
		jww.WARN.Printf("[BACKUP] restore of %s failed: %v", s.self.UserID, err)
		return domain.Snapshot{}, err
	}
	var raw domain.Snapshot
	if err := cbor.Unmarshal(payload, &raw); err != nil {
		return domain.Snapshot{}, errors.Wrapf(domain.ErrUnsupportedBackup, "decode payload: %v", err)
	}
	sealed, err := s.convert(raw, s.eng.ImportPickle)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := s.local.Import(sealed); err != nil {
		return domain.Snapshot{}, errors.Wrap(err, "replace local state")
	}
	jww.INFO.Printf("[BACKUP] restored %s from backup of %s", s.self, blob.UpdatedAt.Format(time.RFC3339))
	return sealed, nil
}

// HasBackup reports whether the broker holds a backup for the user.
func (s *Service) HasBackup(ctx context.Context) (bool, error) {
	_, err := s.backups.GetBackup(ctx, s.self.UserID)
	if errors.Is(err, domain.ErrBackupNotFound) {
		return false, nil
	}
	return err == nil, err
}

// convert returns a copy of snap with every pickle passed through fn.
func (s *Service) convert(snap domain.Snapshot, fn func(engine.PickleKind, []byte) ([]byte, error)) (domain.Snapshot, error) {
	out := domain.Snapshot{Devices: snap.Devices}
	var err error
	if out.Account, err = fn(engine.PickleAccount, snap.Account); err != nil {
		return domain.Snapshot{}, err
	}
	for _, r := range snap.Sessions {
		if r.Pickle, err = fn(engine.PickleSession, r.Pickle); err != nil {
			return domain.Snapshot{}, errors.Wrapf(err, "session with %s", r.Peer())
		}
		out.Sessions = append(out.Sessions, r)
	}
	for _, r := range snap.Outbound {
		if r.Pickle, err = fn(engine.PickleOutboundGroup, r.Pickle); err != nil {
			return domain.Snapshot{}, errors.Wrapf(err, "outbound session of %s", r.ConversationID)
		}
		out.Outbound = append(out.Outbound, r)
	}
	for _, r := range snap.Inbound {
		if r.Pickle, err = fn(engine.PickleInboundGroup, r.Pickle); err != nil {
			return domain.Snapshot{}, errors.Wrapf(err, "inbound session %s", r.SessionID)
		}
		out.Inbound = append(out.Inbound, r)
	}
	return out, nil
}
