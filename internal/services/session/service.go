package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"cipherdm/internal/domain"
	"cipherdm/internal/engine"
	"cipherdm/internal/keyedmutex"
	"cipherdm/internal/protocol/ratchet"
)

// Service encrypts and decrypts pairwise messages, establishing sessions
// on demand.
//
// All work for one peer device runs under that device's lock, so the
// ratchet for a peer advances strictly one message at a time. State is
// persisted after every successful operation and never after a failed one.
type Service struct {
	eng      *engine.Engine
	keeper   domain.AccountKeeper
	sessions domain.SessionStore
	devices  domain.DeviceStore
	dir      domain.KeyDirectory
	locks    *keyedmutex.Mutex
	now      func() time.Time

	onPrekeyConsumed func()
}

// New constructs a pairwise session service.
func New(
	eng *engine.Engine,
	keeper domain.AccountKeeper,
	sessions domain.SessionStore,
	devices domain.DeviceStore,
	dir domain.KeyDirectory,
) *Service {
	return &Service{
		eng:      eng,
		keeper:   keeper,
		sessions: sessions,
		devices:  devices,
		dir:      dir,
		locks:    keyedmutex.New(),
		now:      time.Now,
	}
}

// OnPrekeyConsumed registers fn to run after an inbound session used up
// one of our one-time prekeys.
func (s *Service) OnPrekeyConsumed(fn func()) { s.onPrekeyConsumed = fn }

// HasSession reports whether a session with peer exists.
func (s *Service) HasSession(peer domain.DeviceAddress) (bool, error) {
	_, ok, err := s.sessions.LoadSession(peer)
	return ok, err
}

// EncryptPairwise encrypts plaintext for one peer device.
//
// Without a session it fetches the peer's published keys, checks the signed
// prekey signature, claims one of the peer's one-time prekeys and runs
// X3DH. Messages carry the X3DH parameters until the peer replies.
func (s *Service) EncryptPairwise(
	ctx context.Context,
	peer domain.DeviceAddress,
	plaintext []byte,
) (domain.PairwiseMessage, error) {
	unlock := s.locks.Lock(peer.String())
	defer unlock()

	rec, ok, err := s.sessions.LoadSession(peer)
	if err != nil {
		return domain.PairwiseMessage{}, err
	}
	if !ok {
		rec, err = s.establish(ctx, peer)
		if err != nil {
			return domain.PairwiseMessage{}, err
		}
	}

	next, msg, err := s.eng.Encrypt(rec.Pickle, plaintext)
	if err != nil {
		return domain.PairwiseMessage{}, mapError(err)
	}
	rec.Pickle = next
	rec.LastUsedAt = s.now().UTC()
	if err := s.sessions.SaveSession(rec); err != nil {
		return domain.PairwiseMessage{}, errors.Wrap(err, "save session")
	}
	return msg, nil
}

func (s *Service) establish(ctx context.Context, peer domain.DeviceAddress) (domain.SessionRecord, error) {
	d, err := s.peerDevice(ctx, peer)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	if err := s.eng.VerifyDeviceKeys(d); err != nil {
		jww.WARN.Printf("[SESSION] rejecting keys of %s: %v", peer, err)
		return domain.SessionRecord{}, err
	}
	otk, err := s.dir.ClaimOneTimePrekey(ctx, s.keeper.Self(), peer)
	if err != nil {
		return domain.SessionRecord{}, errors.Wrapf(err, "claim prekey of %s", peer)
	}
	acct, err := s.keeper.LoadAccount()
	if err != nil {
		return domain.SessionRecord{}, err
	}
	pickle, err := s.eng.NewOutboundSession(acct, d, &otk)
	if err != nil {
		return domain.SessionRecord{}, mapError(err)
	}
	now := s.now().UTC()
	jww.INFO.Printf("[SESSION] established outbound session with %s using prekey %d", peer, otk.KeyID)
	return domain.SessionRecord{
		PeerUserID:   peer.UserID,
		PeerDeviceID: peer.DeviceID,
		Pickle:       pickle,
		CreatedAt:    now,
		LastUsedAt:   now,
	}, nil
}

// peerDevice fetches the published keys of peer and refreshes the local
// device cache. The broker's verification flag is never taken over: only a
// verification run on this device marks a peer verified, and it survives
// only while the identity and signing keys stay the same.
func (s *Service) peerDevice(ctx context.Context, peer domain.DeviceAddress) (domain.DeviceIdentity, error) {
	d, err := s.dir.FetchDeviceKeys(ctx, peer)
	if err != nil {
		return domain.DeviceIdentity{}, errors.Wrapf(err, "fetch keys of %s", peer)
	}
	d.Verified, d.VerificationMethod, d.VerifiedAt = false, "", nil

	cached, ok, err := s.devices.LoadDevice(peer)
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	if ok && cached.IdentityKey == d.IdentityKey && cached.SigningKey == d.SigningKey {
		d.Verified, d.VerificationMethod, d.VerifiedAt = cached.Verified, cached.VerificationMethod, cached.VerifiedAt
	} else if ok {
		jww.WARN.Printf("[SESSION] keys of %s changed since last seen", peer)
	}
	if err := s.devices.SaveDevice(d); err != nil {
		return domain.DeviceIdentity{}, err
	}
	return d, nil
}

// DecryptPairwise decrypts a message from sender.
//
// A prekey message that does not belong to the stored session, or that the
// stored session cannot open, starts a new inbound session: the peer
// restarted its side. When both sides started a session at once, the
// message is read but only one of the two sessions is kept. On any failure
// the stored state is left untouched.
func (s *Service) DecryptPairwise(
	ctx context.Context,
	sender domain.DeviceAddress,
	msg domain.PairwiseMessage,
) ([]byte, error) {
	unlock := s.locks.Lock(sender.String())
	defer unlock()

	rec, ok, err := s.sessions.LoadSession(sender)
	if err != nil {
		return nil, err
	}
	isPreKey := msg.Type == domain.MessageTypePreKey && msg.PreKey != nil

	if ok {
		match := true
		if isPreKey {
			if match, err = s.eng.MatchesInboundSession(rec.Pickle, msg); err != nil {
				return nil, mapError(err)
			}
		}
		if match {
			next, pt, err := s.eng.Decrypt(rec.Pickle, msg)
			if err == nil {
				rec.Pickle = next
				rec.LastUsedAt = s.now().UTC()
				if err := s.sessions.SaveSession(rec); err != nil {
					return nil, errors.Wrap(err, "save session")
				}
				return pt, nil
			}
			if !isPreKey || errors.Is(err, ratchet.ErrDuplicateMessage) {
				return nil, mapError(err)
			}
			jww.WARN.Printf("[SESSION] prekey message from %s does not open existing session: %v", sender, err)
		} else {
			keep, err := s.keepOwnSession(rec, sender)
			if err != nil {
				return nil, err
			}
			if keep {
				return s.inbound(ctx, sender, msg, false)
			}
		}
	} else if !isPreKey {
		return nil, errors.Wrapf(domain.ErrSessionNotFound, "no session with %s", sender)
	}
	return s.inbound(ctx, sender, msg, true)
}

// keepOwnSession settles two devices starting sessions with each other at
// the same time. The session started by the device with the lower address
// survives on both ends.
func (s *Service) keepOwnSession(rec domain.SessionRecord, sender domain.DeviceAddress) (bool, error) {
	awaiting, err := s.eng.AwaitingReply(rec.Pickle)
	if err != nil {
		return false, mapError(err)
	}
	if !awaiting || s.keeper.Self().String() >= sender.String() {
		return false, nil
	}
	jww.INFO.Printf("[SESSION] %s started a session concurrently, keeping ours", sender)
	return true, nil
}

// inbound opens a prekey message with a new responder session. The session
// replaces the stored one only when save is set.
func (s *Service) inbound(ctx context.Context, sender domain.DeviceAddress, msg domain.PairwiseMessage, save bool) ([]byte, error) {
	d, err := s.peerDevice(ctx, sender)
	if err != nil {
		return nil, err
	}
	if d.IdentityKey != msg.PreKey.InitiatorIdentityKey {
		return nil, errors.Wrapf(domain.ErrRatchetDesync, "prekey message identity does not match %s", sender)
	}

	var sess, pt []byte
	err = s.keeper.UpdateAccount(func(acct []byte) ([]byte, error) {
		next, sp, plain, err := s.eng.NewInboundSession(acct, msg)
		if err != nil {
			return nil, err
		}
		sess, pt = sp, plain
		return next, nil
	})
	if err != nil {
		return nil, mapError(err)
	}

	if save {
		now := s.now().UTC()
		rec := domain.SessionRecord{
			PeerUserID:   sender.UserID,
			PeerDeviceID: sender.DeviceID,
			Pickle:       sess,
			CreatedAt:    now,
			LastUsedAt:   now,
		}
		if err := s.sessions.SaveSession(rec); err != nil {
			return nil, errors.Wrap(err, "save session")
		}
		jww.INFO.Printf("[SESSION] established inbound session with %s", sender)
	}
	if msg.PreKey.OneTimePrekeyID != 0 && s.onPrekeyConsumed != nil {
		s.onPrekeyConsumed()
	}
	return pt, nil
}

// mapError translates protocol failures into domain errors.
func mapError(err error) error {
	switch {
	case errors.Is(err, ratchet.ErrDuplicateMessage):
		return errors.Wrap(domain.ErrReplayDetected, err.Error())
	case errors.Is(err, ratchet.ErrDecrypt),
		errors.Is(err, ratchet.ErrTooManySkipped),
		errors.Is(err, ratchet.ErrShortMessage),
		errors.Is(err, engine.ErrUnknownPrekey),
		errors.Is(err, engine.ErrNotPreKeyMessage):
		return errors.Wrap(domain.ErrRatchetDesync, err.Error())
	}
	return err
}

// Compile-time assertion that Service implements domain.PairwiseCipher.
var _ domain.PairwiseCipher = (*Service)(nil)
