package relay

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"cipherdm/internal/domain"
)

func devicePath(addr domain.DeviceAddress) string {
	return "/v1/devices/" + url.PathEscape(string(addr.UserID)) + "/" + url.PathEscape(string(addr.DeviceID))
}

func (c *HTTP) PublishDeviceKeys(ctx context.Context, d domain.DeviceIdentity) error {
	return c.put(ctx, devicePath(d.Address()), d)
}

func (c *HTTP) FetchDeviceKeys(ctx context.Context, addr domain.DeviceAddress) (domain.DeviceIdentity, error) {
	var out domain.DeviceIdentity
	if err := c.getJSON(ctx, devicePath(addr), &out); err != nil {
		return domain.DeviceIdentity{}, err
	}
	return out, nil
}

func (c *HTTP) ListDevices(ctx context.Context, user domain.UserID) ([]domain.DeviceIdentity, error) {
	var out []domain.DeviceIdentity
	if err := c.getJSON(ctx, "/v1/devices/"+url.PathEscape(string(user)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTP) DeleteDevice(ctx context.Context, addr domain.DeviceAddress) error {
	return c.del(ctx, devicePath(addr))
}

func (c *HTTP) PublishOneTimePrekeys(ctx context.Context, addr domain.DeviceAddress, keys []domain.OneTimePrekey) error {
	return c.post(ctx, devicePath(addr)+"/prekeys", keys, nil)
}

func (c *HTTP) CountOneTimePrekeys(ctx context.Context, addr domain.DeviceAddress) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.getJSON(ctx, devicePath(addr)+"/prekeys/count", &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *HTTP) ClaimOneTimePrekey(ctx context.Context, claimant, target domain.DeviceAddress) (domain.OneTimePrekey, error) {
	var out domain.OneTimePrekey
	in := struct {
		Claimant domain.DeviceAddress `json:"claimant"`
	}{claimant}
	if err := c.post(ctx, devicePath(target)+"/prekeys/claim", in, &out); err != nil {
		return domain.OneTimePrekey{}, err
	}
	return out, nil
}

type masterKeyBody struct {
	MasterKey domain.Ed25519Public `json:"master_key"`
}

func masterKeyPath(user domain.UserID) string {
	return "/v1/users/" + url.PathEscape(string(user)) + "/master-key"
}

func (c *HTTP) PublishMasterKey(ctx context.Context, user domain.UserID, key domain.Ed25519Public) error {
	return c.put(ctx, masterKeyPath(user), masterKeyBody{MasterKey: key})
}

func (c *HTTP) FetchMasterKey(ctx context.Context, user domain.UserID) (domain.Ed25519Public, error) {
	var out masterKeyBody
	if err := c.getJSON(ctx, masterKeyPath(user), &out); err != nil {
		return domain.Ed25519Public{}, err
	}
	return out.MasterKey, nil
}

func (c *HTTP) MarkDeviceVerified(ctx context.Context, addr domain.DeviceAddress, method domain.VerificationMethod, at time.Time) error {
	in := struct {
		Method domain.VerificationMethod `json:"method"`
		At     time.Time                 `json:"at"`
	}{method, at}
	return c.post(ctx, devicePath(addr)+"/verified", in, nil)
}

func (c *HTTP) PutGroupKeyShare(ctx context.Context, s domain.GroupKeyShare) error {
	return c.put(ctx, "/v1/group-shares", s)
}

func (c *HTTP) ListPendingGroupKeyShares(ctx context.Context, recipient domain.DeviceAddress) ([]domain.GroupKeyShare, error) {
	var out []domain.GroupKeyShare
	path := "/v1/group-shares/" + url.PathEscape(string(recipient.UserID)) + "/" + url.PathEscape(string(recipient.DeviceID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTP) MarkGroupKeyShareClaimed(ctx context.Context, s domain.GroupKeyShare) error {
	return c.post(ctx, "/v1/group-shares/claim", s, nil)
}

func (c *HTTP) MarkGroupKeyShareForwarded(ctx context.Context, s domain.GroupKeyShare) error {
	return c.post(ctx, "/v1/group-shares/forwarded", s, nil)
}

func (c *HTTP) PutBackup(ctx context.Context, b domain.BackupBlob) error {
	return c.put(ctx, "/v1/backups/"+url.PathEscape(string(b.UserID)), b)
}

func (c *HTTP) GetBackup(ctx context.Context, user domain.UserID) (domain.BackupBlob, error) {
	var out domain.BackupBlob
	if err := c.getJSON(ctx, "/v1/backups/"+url.PathEscape(string(user)), &out); err != nil {
		return domain.BackupBlob{}, err
	}
	return out, nil
}

func (c *HTTP) CreateVerification(ctx context.Context, v domain.Verification) error {
	return c.post(ctx, "/v1/verifications", v, nil)
}

func (c *HTTP) GetVerification(ctx context.Context, id domain.TransactionID) (domain.Verification, error) {
	var out domain.Verification
	if err := c.getJSON(ctx, "/v1/verifications/"+url.PathEscape(string(id)), &out); err != nil {
		return domain.Verification{}, err
	}
	return out, nil
}

func (c *HTTP) UpdateVerification(ctx context.Context, v domain.Verification, expect domain.VerificationStatus) error {
	q := url.Values{"expect": {string(expect)}}
	return c.put(ctx, "/v1/verifications/"+url.PathEscape(string(v.TransactionID))+"?"+q.Encode(), v)
}

func trustPath(truster, trusted domain.UserID) string {
	p := "/v1/trust/" + url.PathEscape(string(truster))
	if trusted != "" {
		p += "/" + url.PathEscape(string(trusted))
	}
	return p
}

func (c *HTTP) PutTrust(ctx context.Context, r domain.TrustRecord) error {
	return c.put(ctx, trustPath(r.TrusterUserID, r.TrustedUserID), r)
}

func (c *HTTP) ListTrust(ctx context.Context, truster domain.UserID) ([]domain.TrustRecord, error) {
	var out []domain.TrustRecord
	if err := c.getJSON(ctx, trustPath(truster, ""), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTP) DeleteTrust(ctx context.Context, truster, trusted domain.UserID) error {
	return c.del(ctx, trustPath(truster, trusted))
}

type membersBody struct {
	Members []domain.UserID `json:"members"`
}

func membersPath(conv domain.ConversationID) string {
	return "/v1/conversations/" + url.PathEscape(string(conv)) + "/members"
}

func (c *HTTP) SetConversationMembers(ctx context.Context, conv domain.ConversationID, members []domain.UserID) error {
	return c.put(ctx, membersPath(conv), membersBody{Members: members})
}

func (c *HTTP) ConversationMembers(ctx context.Context, conv domain.ConversationID) ([]domain.UserID, error) {
	var out membersBody
	if err := c.getJSON(ctx, membersPath(conv), &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func mailboxPath(addr domain.DeviceAddress) string {
	return "/v1/mailbox/" + url.PathEscape(string(addr.UserID)) + "/" + url.PathEscape(string(addr.DeviceID))
}

func (c *HTTP) PostEnvelope(ctx context.Context, env domain.Envelope) error {
	// env.To also selects the queue.
	return c.post(ctx, mailboxPath(env.To), env, nil)
}

func (c *HTTP) FetchEnvelopes(ctx context.Context, to domain.DeviceAddress, limit int) ([]domain.Envelope, error) {
	path := mailboxPath(to)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []domain.Envelope
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTP) AckEnvelopes(ctx context.Context, to domain.DeviceAddress, ids []string) error {
	in := struct {
		IDs []string `json:"ids"`
	}{ids}
	return c.post(ctx, mailboxPath(to)+"/ack", in, nil)
}
