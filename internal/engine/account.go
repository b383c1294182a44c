package engine

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"cipherdm/internal/crypto"
	"cipherdm/internal/domain"
)

// ErrUnknownPrekey is returned when a prekey message names a prekey the
// account does not hold, typically because it was already consumed.
var ErrUnknownPrekey = errors.New("engine: unknown prekey")

const keptSignedPrekeys = 2

type account struct {
	Identity            domain.Identity         `json:"identity"`
	SignedPrekeys       map[uint32]signedPrekey `json:"signed_prekeys"`
	CurrentSignedPrekey uint32                  `json:"current_signed_prekey"`
	OneTimeKeys         map[uint32]oneTimeKey   `json:"one_time_keys"`
	NextKeyID           uint32                  `json:"next_key_id"`
	Master              *masterKey              `json:"master,omitempty"`
	MasterSignature     []byte                  `json:"master_signature,omitempty"`
	CreatedAt           time.Time               `json:"created_at"`
}

type signedPrekey struct {
	Private   domain.X25519Private `json:"private"`
	Public    domain.X25519Public  `json:"public"`
	Signature []byte               `json:"signature"`
}

type oneTimeKey struct {
	Private   domain.X25519Private `json:"private"`
	Public    domain.X25519Public  `json:"public"`
	Published bool                 `json:"published"`
}

type masterKey struct {
	Private domain.Ed25519Private `json:"private"`
	Public  domain.Ed25519Public  `json:"public"`
}

// AccountInfo is the public view of an account.
type AccountInfo struct {
	IdentityKey     domain.X25519Public
	SigningKey      domain.Ed25519Public
	SignedPrekey    domain.SignedPrekey
	Unpublished     []domain.OneTimePrekey
	OneTimeKeyCount int
	MasterKey       domain.Ed25519Public
	MasterSignature []byte
}

// HasMasterKey reports whether this device holds the user's master key.
func (i AccountInfo) HasMasterKey() bool { return !i.MasterKey.IsZero() }

// DeviceIdentity builds the identity this account publishes for addr.
func (i AccountInfo) DeviceIdentity(addr domain.DeviceAddress) domain.DeviceIdentity {
	return domain.DeviceIdentity{
		UserID:          addr.UserID,
		DeviceID:        addr.DeviceID,
		IdentityKey:     i.IdentityKey,
		SigningKey:      i.SigningKey,
		SignedPrekey:    i.SignedPrekey,
		MasterSignature: i.MasterSignature,
	}
}

// CreateAccount generates identity and signing keys and a first signed
// prekey. One-time keys are added with GenerateOneTimeKeys.
func (e *Engine) CreateAccount() ([]byte, error) {
	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	acc := &account{
		Identity:      domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv},
		SignedPrekeys: make(map[uint32]signedPrekey),
		OneTimeKeys:   make(map[uint32]oneTimeKey),
		NextKeyID:     1,
		CreatedAt:     time.Now().UTC(),
	}
	if err := acc.rotateSignedPrekey(); err != nil {
		return nil, err
	}
	return e.seal(PickleAccount, acc)
}

// Account returns the public view of an account pickle.
func (e *Engine) Account(pickle []byte) (AccountInfo, error) {
	acc, err := e.openAccount(pickle)
	if err != nil {
		return AccountInfo{}, err
	}
	spk := acc.SignedPrekeys[acc.CurrentSignedPrekey]
	info := AccountInfo{
		IdentityKey: acc.Identity.XPub,
		SigningKey:  acc.Identity.EdPub,
		SignedPrekey: domain.SignedPrekey{
			ID:        acc.CurrentSignedPrekey,
			PublicKey: spk.Public,
			Signature: spk.Signature,
		},
		OneTimeKeyCount: len(acc.OneTimeKeys),
		MasterSignature: acc.MasterSignature,
	}
	if acc.Master != nil {
		info.MasterKey = acc.Master.Public
	}
	for id, k := range acc.OneTimeKeys {
		if !k.Published {
			info.Unpublished = append(info.Unpublished, domain.OneTimePrekey{KeyID: id, PublicKey: k.Public})
		}
	}
	sort.Slice(info.Unpublished, func(i, j int) bool { return info.Unpublished[i].KeyID < info.Unpublished[j].KeyID })
	return info, nil
}

// GenerateOneTimeKeys adds n unpublished one-time keys.
func (e *Engine) GenerateOneTimeKeys(pickle []byte, n int) ([]byte, error) {
	acc, err := e.openAccount(pickle)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		acc.OneTimeKeys[acc.NextKeyID] = oneTimeKey{Private: priv, Public: pub}
		acc.NextKeyID++
	}
	return e.seal(PickleAccount, acc)
}

// MarkKeysPublished flags the given one-time keys as known to the broker.
func (e *Engine) MarkKeysPublished(pickle []byte, ids []uint32) ([]byte, error) {
	acc, err := e.openAccount(pickle)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if k, ok := acc.OneTimeKeys[id]; ok {
			k.Published = true
			acc.OneTimeKeys[id] = k
		}
	}
	return e.seal(PickleAccount, acc)
}

// RotateSignedPrekey makes a fresh signed prekey current. The previous one
// is kept so that prekey messages already in flight still open.
func (e *Engine) RotateSignedPrekey(pickle []byte) ([]byte, error) {
	acc, err := e.openAccount(pickle)
	if err != nil {
		return nil, err
	}
	if err := acc.rotateSignedPrekey(); err != nil {
		return nil, err
	}
	return e.seal(PickleAccount, acc)
}

// CreateMasterKey generates the user's master cross-signing key and signs
// this device's signing key with it.
func (e *Engine) CreateMasterKey(pickle []byte, self domain.DeviceAddress) ([]byte, domain.Ed25519Public, error) {
	acc, err := e.openAccount(pickle)
	if err != nil {
		return nil, domain.Ed25519Public{}, err
	}
	if acc.Master == nil {
		priv, pub, err := crypto.GenerateEd25519()
		if err != nil {
			return nil, domain.Ed25519Public{}, err
		}
		acc.Master = &masterKey{Private: priv, Public: pub}
	}
	acc.MasterSignature = crypto.SignEd25519(acc.Master.Private, crypto.CrossSigningMessage(self, acc.Identity.EdPub))
	out, err := e.seal(PickleAccount, acc)
	return out, acc.Master.Public, err
}

// Sign signs msg with the device signing key.
func (e *Engine) Sign(pickle []byte, msg []byte) ([]byte, error) {
	acc, err := e.openAccount(pickle)
	if err != nil {
		return nil, err
	}
	return crypto.SignEd25519(acc.Identity.EdPriv, msg), nil
}

func (e *Engine) openAccount(pickle []byte) (*account, error) {
	acc := &account{}
	if err := e.open(PickleAccount, pickle, acc); err != nil {
		return nil, err
	}
	if acc.SignedPrekeys == nil {
		acc.SignedPrekeys = make(map[uint32]signedPrekey)
	}
	if acc.OneTimeKeys == nil {
		acc.OneTimeKeys = make(map[uint32]oneTimeKey)
	}
	return acc, nil
}

func (acc *account) rotateSignedPrekey() error {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	id := acc.CurrentSignedPrekey + 1
	acc.SignedPrekeys[id] = signedPrekey{
		Private:   priv,
		Public:    pub,
		Signature: crypto.SignEd25519(acc.Identity.EdPriv, crypto.SignedPrekeyMessage(id, pub)),
	}
	acc.CurrentSignedPrekey = id
	for old := range acc.SignedPrekeys {
		if old+keptSignedPrekeys <= id {
			delete(acc.SignedPrekeys, old)
		}
	}
	return nil
}
