package group

import (
	"context"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/errgroup"

	"cipherdm/internal/domain"
	"cipherdm/internal/engine"
	"cipherdm/internal/keyedmutex"
	"cipherdm/internal/protocol/megolm"
	"cipherdm/internal/services/session"
)

const (
	// DefaultRotationMessages is how many messages one outbound session
	// encrypts before it is replaced.
	DefaultRotationMessages = 100
	// DefaultRotationAge is how long one outbound session lives.
	DefaultRotationAge = 7 * 24 * time.Hour
	// DefaultParallelism bounds concurrent key share deliveries.
	DefaultParallelism = 8
)

// Config tunes rotation and distribution.
type Config struct {
	RotationMessages uint32
	RotationAge      time.Duration
	Parallelism      int
}

func (c Config) withDefaults() Config {
	if c.RotationMessages == 0 {
		c.RotationMessages = DefaultRotationMessages
	}
	if c.RotationAge <= 0 {
		c.RotationAge = DefaultRotationAge
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	return c
}

// Directory is the part of the broker the group service needs.
type Directory interface {
	domain.KeyDirectory
	domain.GroupShareStore
	domain.Membership
}

// Distribution reports the outcome of sharing a session key.
type Distribution struct {
	Shared  []domain.DeviceAddress
	Skipped []domain.DeviceAddress
}

// Service manages group sessions: the outbound session of this device per
// conversation, and the inbound sessions of every sender.
type Service struct {
	self     domain.DeviceAddress
	eng      *engine.Engine
	store    domain.GroupSessionStore
	pairwise domain.PairwiseCipher
	dir      Directory
	cfg      Config
	locks    *keyedmutex.Mutex
	now      func() time.Time
}

// New constructs a group service for the device self.
func New(
	self domain.DeviceAddress,
	eng *engine.Engine,
	store domain.GroupSessionStore,
	pairwise domain.PairwiseCipher,
	dir Directory,
	cfg Config,
) *Service {
	return &Service{
		self:     self,
		eng:      eng,
		store:    store,
		pairwise: pairwise,
		dir:      dir,
		cfg:      cfg.withDefaults(),
		locks:    keyedmutex.New(),
		now:      time.Now,
	}
}

func outboundLock(conv domain.ConversationID) string {
	return "out\x00" + string(conv)
}

func inboundLock(conv domain.ConversationID, id domain.SessionID) string {
	return "in\x00" + string(conv) + "\x00" + string(id)
}

// Outbound returns the current outbound session record of conv.
func (s *Service) Outbound(conv domain.ConversationID) (domain.OutboundGroupRecord, bool, error) {
	return s.store.LoadOutboundGroupSession(conv)
}

// EncryptGroup encrypts plaintext for conv.
//
// The outbound session is created, or replaced when it reached the message
// limit, its maximum age or a member left. A new session is shared with
// every device of every member before the first message is encrypted.
// Devices that could not be reached before are retried here.
func (s *Service) EncryptGroup(
	ctx context.Context,
	conv domain.ConversationID,
	plaintext []byte,
) (domain.GroupMessage, error) {
	unlock := s.locks.Lock(outboundLock(conv))
	defer unlock()

	rec, ok, err := s.store.LoadOutboundGroupSession(conv)
	if err != nil {
		return domain.GroupMessage{}, err
	}
	if ok && !s.needsRotation(rec) {
		left, err := s.sharedWithFormerMember(ctx, rec)
		if err != nil {
			return domain.GroupMessage{}, err
		}
		if left {
			jww.INFO.Printf("[GROUP] session %s of %s was shared with a former member", rec.SessionID, conv)
			rec.NeedsRotation = true
		}
	}
	switch {
	case !ok:
		if rec, err = s.create(ctx, conv); err != nil {
			return domain.GroupMessage{}, err
		}
	case s.needsRotation(rec):
		jww.INFO.Printf("[GROUP] rotating session %s of %s after %d messages", rec.SessionID, conv, rec.MessageCount)
		if rec, err = s.create(ctx, conv); err != nil {
			return domain.GroupMessage{}, err
		}
	case rec.PendingShare:
		if _, err := s.distributeMissing(ctx, &rec); err != nil {
			return domain.GroupMessage{}, err
		}
	}

	next, m, err := s.eng.GroupEncrypt(rec.Pickle, engine.GroupAD(conv, s.self), plaintext)
	if err != nil {
		return domain.GroupMessage{}, err
	}
	rec.Pickle = next
	rec.MessageCount++
	if err := s.store.SaveOutboundGroupSession(rec); err != nil {
		return domain.GroupMessage{}, errors.Wrap(err, "save outbound session")
	}
	return domain.GroupMessage{
		SessionID:    rec.SessionID,
		SenderDevice: s.self,
		Index:        m.Index,
		Ciphertext:   m.Ciphertext,
		Signature:    m.Signature,
	}, nil
}

func (s *Service) needsRotation(rec domain.OutboundGroupRecord) bool {
	return rec.NeedsRotation ||
		rec.MessageCount >= s.cfg.RotationMessages ||
		s.now().Sub(rec.CreatedAt) >= s.cfg.RotationAge
}

// sharedWithFormerMember reports whether rec reached a device whose user is
// no longer a member of the conversation. Removals announced by another
// member are only visible here.
func (s *Service) sharedWithFormerMember(ctx context.Context, rec domain.OutboundGroupRecord) (bool, error) {
	members, err := s.dir.ConversationMembers(ctx, rec.ConversationID)
	if err != nil {
		return false, errors.Wrapf(err, "members of %s", rec.ConversationID)
	}
	current := make(map[domain.UserID]struct{}, len(members))
	for _, u := range members {
		current[u] = struct{}{}
	}
	for _, a := range rec.SharedWith {
		if a.UserID == s.self.UserID {
			continue
		}
		if _, ok := current[a.UserID]; !ok {
			return true, nil
		}
	}
	return false, nil
}

// create starts a new outbound session, imports it as an inbound session
// so this device can read its own messages, and shares it with every
// member device. The record is saved before it is returned.
func (s *Service) create(ctx context.Context, conv domain.ConversationID) (domain.OutboundGroupRecord, error) {
	pickle, id, err := s.eng.NewOutboundGroupSession()
	if err != nil {
		return domain.OutboundGroupRecord{}, err
	}
	rec := domain.OutboundGroupRecord{
		ConversationID: conv,
		SessionID:      id,
		Pickle:         pickle,
		CreatedAt:      s.now().UTC(),
	}

	key, _, err := s.eng.OutboundGroupKey(pickle)
	if err != nil {
		return domain.OutboundGroupRecord{}, err
	}
	if _, err := s.importKey(conv, s.self, key); err != nil {
		return domain.OutboundGroupRecord{}, err
	}

	report, err := s.distributeMissing(ctx, &rec)
	if err != nil {
		return domain.OutboundGroupRecord{}, err
	}
	jww.INFO.Printf("[GROUP] created session %s for %s, shared with %d device(s), %d skipped",
		id, conv, len(report.Shared), len(report.Skipped))
	return rec, nil
}

// recipients lists every device of every member of conv except this one.
func (s *Service) recipients(ctx context.Context, conv domain.ConversationID) ([]domain.DeviceAddress, error) {
	members, err := s.dir.ConversationMembers(ctx, conv)
	if err != nil {
		return nil, errors.Wrapf(err, "members of %s", conv)
	}
	return s.devicesOf(ctx, members)
}

func (s *Service) devicesOf(ctx context.Context, users []domain.UserID) ([]domain.DeviceAddress, error) {
	var out []domain.DeviceAddress
	for _, u := range users {
		devices, err := s.dir.ListDevices(ctx, u)
		if err != nil {
			return nil, errors.Wrapf(err, "devices of %s", u)
		}
		for _, d := range devices {
			if a := d.Address(); a != s.self {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// distributeMissing shares rec with every member device that does not have
// it yet and saves rec.
func (s *Service) distributeMissing(ctx context.Context, rec *domain.OutboundGroupRecord) (Distribution, error) {
	all, err := s.recipients(ctx, rec.ConversationID)
	if err != nil {
		return Distribution{}, err
	}
	var targets []domain.DeviceAddress
	for _, a := range all {
		if !rec.HasShared(a) {
			targets = append(targets, a)
		}
	}
	report, err := s.distribute(ctx, rec, targets)
	if err != nil {
		return Distribution{}, err
	}
	rec.PendingShare = len(report.Skipped) > 0
	return report, s.store.SaveOutboundGroupSession(*rec)
}

// distribute encrypts the current session key of rec for each target over
// its pairwise session and stores the share on the broker. Deliveries run
// in parallel; a device that cannot be reached is skipped and reported.
func (s *Service) distribute(ctx context.Context, rec *domain.OutboundGroupRecord, targets []domain.DeviceAddress) (Distribution, error) {
	if len(targets) == 0 {
		return Distribution{}, nil
	}
	key, index, err := s.eng.OutboundGroupKey(rec.Pickle)
	if err != nil {
		return Distribution{}, err
	}
	payload, err := cbor.Marshal(domain.GroupKeySharePayload{
		ConversationID: rec.ConversationID,
		SessionID:      rec.SessionID,
		SenderDevice:   s.self,
		SessionKey:     key,
	})
	if err != nil {
		return Distribution{}, errors.Wrap(err, "encode share payload")
	}

	var (
		mu     sync.Mutex
		report Distribution
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, target := range targets {
		g.Go(func() error {
			err := s.shareWith(gctx, rec, target, payload)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				jww.WARN.Printf("[GROUP] could not share %s with %s: %v", rec.SessionID, target, err)
				report.Skipped = append(report.Skipped, target)
				return nil
			}
			report.Shared = append(report.Shared, target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Distribution{}, err
	}
	rec.SharedWith = append(rec.SharedWith, report.Shared...)
	jww.DEBUG.Printf("[GROUP] shared %s from index %d with %d device(s)", rec.SessionID, index, len(report.Shared))
	return report, nil
}

func (s *Service) shareWith(ctx context.Context, rec *domain.OutboundGroupRecord, target domain.DeviceAddress, payload []byte) error {
	msg, err := s.pairwise.EncryptPairwise(ctx, target, payload)
	if err != nil {
		return err
	}
	ct, err := session.Marshal(msg)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	return s.dir.PutGroupKeyShare(ctx, domain.GroupKeyShare{
		ConversationID:    rec.ConversationID,
		SessionID:         rec.SessionID,
		SenderUserID:      s.self.UserID,
		SenderDeviceID:    s.self.DeviceID,
		RecipientUserID:   target.UserID,
		RecipientDeviceID: target.DeviceID,
		Ciphertext:        ct,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

// ShareSession delivers the current outbound session of conv to member
// devices that do not have it yet.
func (s *Service) ShareSession(ctx context.Context, conv domain.ConversationID) (Distribution, error) {
	unlock := s.locks.Lock(outboundLock(conv))
	defer unlock()

	rec, ok, err := s.store.LoadOutboundGroupSession(conv)
	if err != nil {
		return Distribution{}, err
	}
	if !ok {
		return Distribution{}, errors.Wrapf(domain.ErrSessionNotFound, "no outbound session for %s", conv)
	}
	return s.distributeMissing(ctx, &rec)
}

// Rotate replaces the outbound session of conv now.
func (s *Service) Rotate(ctx context.Context, conv domain.ConversationID) (domain.SessionID, error) {
	unlock := s.locks.Lock(outboundLock(conv))
	defer unlock()

	rec, err := s.create(ctx, conv)
	if err != nil {
		return "", err
	}
	return rec.SessionID, nil
}

// MembershipChanged reacts to a membership update of conv. Removing anyone
// forces a rotation before the next message. Added users receive the
// current session from its current index, so they cannot read what was
// sent before they joined.
func (s *Service) MembershipChanged(
	ctx context.Context,
	conv domain.ConversationID,
	added, removed []domain.UserID,
) (Distribution, error) {
	unlock := s.locks.Lock(outboundLock(conv))
	defer unlock()

	rec, ok, err := s.store.LoadOutboundGroupSession(conv)
	if err != nil || !ok {
		return Distribution{}, err
	}
	if len(removed) > 0 {
		rec.NeedsRotation = true
		jww.INFO.Printf("[GROUP] %d member(s) left %s, session %s will rotate", len(removed), conv, rec.SessionID)
		return Distribution{}, s.store.SaveOutboundGroupSession(rec)
	}
	if len(added) == 0 || rec.NeedsRotation {
		return Distribution{}, nil
	}
	devices, err := s.devicesOf(ctx, added)
	if err != nil {
		return Distribution{}, err
	}
	var targets []domain.DeviceAddress
	for _, d := range devices {
		if !rec.HasShared(d) {
			targets = append(targets, d)
		}
	}
	report, err := s.distribute(ctx, &rec, targets)
	if err != nil {
		return Distribution{}, err
	}
	if len(report.Skipped) > 0 {
		rec.PendingShare = true
	}
	return report, s.store.SaveOutboundGroupSession(rec)
}

// DecryptGroup decrypts a message of conv with the sender's inbound
// session.
func (s *Service) DecryptGroup(
	ctx context.Context,
	conv domain.ConversationID,
	msg domain.GroupMessage,
) ([]byte, error) {
	unlock := s.locks.Lock(inboundLock(conv, msg.SessionID))
	defer unlock()

	rec, ok, err := s.store.LoadInboundGroupSession(conv, msg.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(domain.ErrSessionNotFound, "group session %s in %s", msg.SessionID, conv)
	}
	if rec.Sender() != msg.SenderDevice {
		return nil, errors.Wrapf(domain.ErrRatchetDesync, "session %s belongs to %s, not %s", msg.SessionID, rec.Sender(), msg.SenderDevice)
	}
	next, pt, err := s.eng.GroupDecrypt(rec.Pickle, engine.GroupAD(conv, msg.SenderDevice), msg)
	if err != nil {
		return nil, mapError(err, rec, msg)
	}
	rec.Pickle = next
	if err := s.store.SaveInboundGroupSession(rec); err != nil {
		return nil, errors.Wrap(err, "save inbound session")
	}
	return pt, nil
}

func mapError(err error, rec domain.InboundGroupRecord, msg domain.GroupMessage) error {
	switch {
	case errors.Is(err, megolm.ErrIndexTooOld):
		return errors.Wrapf(domain.ErrUnknownMessageIndex, "index %d < %d", msg.Index, rec.FirstKnownIndex)
	case errors.Is(err, megolm.ErrReplay):
		return errors.Wrapf(domain.ErrReplayDetected, "index %d of %s", msg.Index, msg.SessionID)
	case errors.Is(err, megolm.ErrBadSignature),
		errors.Is(err, megolm.ErrDecrypt),
		errors.Is(err, megolm.ErrTooFarAhead),
		errors.Is(err, megolm.ErrSessionMismatch):
		return errors.Wrap(domain.ErrRatchetDesync, err.Error())
	}
	return err
}

// importKey stores an inbound session for key unless an equal or better
// one is already known. It returns the stored record.
func (s *Service) importKey(conv domain.ConversationID, sender domain.DeviceAddress, key []byte) (domain.InboundGroupRecord, error) {
	pickle, info, err := s.eng.NewInboundGroupSession(key)
	if err != nil {
		return domain.InboundGroupRecord{}, err
	}
	unlock := s.locks.Lock(inboundLock(conv, info.SessionID))
	defer unlock()

	existing, ok, err := s.store.LoadInboundGroupSession(conv, info.SessionID)
	if err != nil {
		return domain.InboundGroupRecord{}, err
	}
	if ok {
		if existing.Sender() != sender {
			return domain.InboundGroupRecord{}, errors.Wrapf(domain.ErrConflict, "session %s already known from %s", info.SessionID, existing.Sender())
		}
		if existing.FirstKnownIndex <= info.FirstKnownIndex {
			return existing, nil
		}
	}
	rec := domain.InboundGroupRecord{
		ConversationID:  conv,
		SessionID:       info.SessionID,
		SenderUserID:    sender.UserID,
		SenderDeviceID:  sender.DeviceID,
		FirstKnownIndex: info.FirstKnownIndex,
		Pickle:          pickle,
		ReceivedAt:      s.now().UTC(),
	}
	return rec, s.store.SaveInboundGroupSession(rec)
}

// ReceiveKeyShares fetches the key shares waiting for this device, opens
// each through its pairwise session and imports the group session.
//
// Shares that cannot be opened are logged and left pending. A share whose
// pairwise message was already consumed can never be opened again, so it
// is claimed even when the import fails.
func (s *Service) ReceiveKeyShares(ctx context.Context) ([]domain.InboundGroupRecord, error) {
	shares, err := s.dir.ListPendingGroupKeyShares(ctx, s.self)
	if err != nil {
		return nil, errors.Wrap(err, "list key shares")
	}
	var out []domain.InboundGroupRecord
	for _, sh := range shares {
		rec, opened, err := s.receive(ctx, sh)
		switch {
		case err != nil && !opened:
			jww.WARN.Printf("[GROUP] key share %s/%s from %s: %v", sh.ConversationID, sh.SessionID, sh.Sender(), err)
			continue
		case err != nil:
			jww.WARN.Printf("[GROUP] discarding key share %s/%s from %s: %v", sh.ConversationID, sh.SessionID, sh.Sender(), err)
		default:
			out = append(out, rec)
		}
		if err := s.dir.MarkGroupKeyShareClaimed(ctx, sh); err != nil {
			return out, errors.Wrap(err, "mark share claimed")
		}
	}
	return out, nil
}

// receive opens and imports one share. opened reports whether the pairwise
// message was decrypted.
func (s *Service) receive(ctx context.Context, sh domain.GroupKeyShare) (rec domain.InboundGroupRecord, opened bool, err error) {
	msg, err := session.Unmarshal(sh.Ciphertext)
	if err != nil {
		return rec, false, err
	}
	pt, err := s.pairwise.DecryptPairwise(ctx, sh.Sender(), msg)
	if err != nil {
		return rec, false, err
	}
	rec, err = s.importShare(sh, pt)
	if err != nil {
		return domain.InboundGroupRecord{}, true, err
	}
	return rec, true, nil
}

func (s *Service) importShare(sh domain.GroupKeyShare, pt []byte) (domain.InboundGroupRecord, error) {
	var p domain.GroupKeySharePayload
	if err := cbor.Unmarshal(pt, &p); err != nil {
		return domain.InboundGroupRecord{}, errors.Wrapf(domain.ErrInvalidArgument, "decode share payload: %v", err)
	}
	if p.ConversationID != sh.ConversationID || p.SessionID != sh.SessionID {
		return domain.InboundGroupRecord{}, errors.Wrap(domain.ErrInvalidArgument, "share payload does not match its envelope")
	}
	sender := sh.Sender()
	if p.Forwarded {
		// Only our own devices may forward sessions to us.
		if sh.SenderUserID != s.self.UserID {
			return domain.InboundGroupRecord{}, errors.Wrapf(domain.ErrInvalidArgument, "forwarded share from foreign user %s", sh.SenderUserID)
		}
		sender = p.SenderDevice
	} else if p.SenderDevice != sender {
		return domain.InboundGroupRecord{}, errors.Wrap(domain.ErrInvalidArgument, "share sender does not own the session")
	}
	rec, err := s.importKey(sh.ConversationID, sender, p.SessionKey)
	if err != nil {
		return domain.InboundGroupRecord{}, err
	}
	if rec.SessionID != sh.SessionID {
		return domain.InboundGroupRecord{}, errors.Wrap(domain.ErrInvalidArgument, "session key does not match session id")
	}
	jww.INFO.Printf("[GROUP] imported session %s of %s from index %d", rec.SessionID, rec.Sender(), rec.FirstKnownIndex)
	return rec, nil
}

// ForwardKeyShare re-shares an inbound session held by this device with
// another device of the same user, starting at the session's first known
// index.
func (s *Service) ForwardKeyShare(
	ctx context.Context,
	conv domain.ConversationID,
	id domain.SessionID,
	to domain.DeviceAddress,
) error {
	if to.UserID != s.self.UserID || to == s.self {
		return errors.Wrapf(domain.ErrInvalidArgument, "cannot forward to %s", to)
	}
	rec, ok, err := s.store.LoadInboundGroupSession(conv, id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(domain.ErrSessionNotFound, "group session %s in %s", id, conv)
	}
	key, _, err := s.eng.InboundGroupKey(rec.Pickle)
	if err != nil {
		return err
	}
	payload, err := cbor.Marshal(domain.GroupKeySharePayload{
		ConversationID: conv,
		SessionID:      id,
		SenderDevice:   rec.Sender(),
		SessionKey:     key,
		Forwarded:      true,
	})
	if err != nil {
		return errors.Wrap(err, "encode share payload")
	}
	msg, err := s.pairwise.EncryptPairwise(ctx, to, payload)
	if err != nil {
		return err
	}
	ct, err := session.Marshal(msg)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.dir.PutGroupKeyShare(ctx, domain.GroupKeyShare{
		ConversationID:    conv,
		SessionID:         id,
		SenderUserID:      s.self.UserID,
		SenderDeviceID:    s.self.DeviceID,
		RecipientUserID:   to.UserID,
		RecipientDeviceID: to.DeviceID,
		Ciphertext:        ct,
		CreatedAt:         now,
		UpdatedAt:         now,
	}); err != nil {
		return err
	}

	if rec.Sender() != s.self {
		original := domain.GroupKeyShare{
			ConversationID:    conv,
			SessionID:         id,
			SenderDeviceID:    rec.SenderDeviceID,
			RecipientUserID:   s.self.UserID,
			RecipientDeviceID: s.self.DeviceID,
		}
		if err := s.dir.MarkGroupKeyShareForwarded(ctx, original); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	jww.INFO.Printf("[GROUP] forwarded session %s of %s to %s", id, rec.Sender(), to)
	return nil
}
