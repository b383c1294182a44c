package app

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"cipherdm/internal/domain"
	"cipherdm/internal/services/group"
	"cipherdm/internal/services/session"
)

// Sent reports the devices an envelope was posted to and those that were
// skipped because encryption failed.
type Sent struct {
	Delivered []domain.DeviceAddress
	Skipped   []domain.DeviceAddress
}

// Send encrypts plaintext for every device of to and posts one pairwise
// envelope per device. Devices without a usable session are skipped.
func (c *Client) Send(ctx context.Context, to domain.UserID, plaintext []byte) (Sent, error) {
	if err := c.ready(); err != nil {
		return Sent{}, err
	}
	devices, err := c.Broker.ListDevices(ctx, to)
	if err != nil {
		return Sent{}, err
	}
	if len(devices) == 0 {
		return Sent{}, errors.Wrapf(domain.ErrDeviceNotFound, "user %s has no devices", to)
	}
	self := c.Self()
	var out Sent
	for _, d := range devices {
		addr := d.Address()
		if addr == self {
			continue
		}
		msg, err := c.Sessions.EncryptPairwise(ctx, addr, plaintext)
		if err != nil {
			if errors.Is(err, domain.ErrClaimExhausted) || errors.Is(err, domain.ErrInvalidPrekeySignature) {
				jww.WARN.Printf("[APP] skipping %s: %v", addr, err)
				out.Skipped = append(out.Skipped, addr)
				continue
			}
			return out, err
		}
		payload, err := session.Marshal(msg)
		if err != nil {
			return out, err
		}
		env := domain.Envelope{From: self, To: addr, Kind: domain.EnvelopePairwise, Payload: payload}
		if err := c.Broker.PostEnvelope(ctx, env); err != nil {
			return out, err
		}
		out.Delivered = append(out.Delivered, addr)
	}
	return out, nil
}

// SendGroup encrypts plaintext once for conv and posts it to every member
// device except this one.
func (c *Client) SendGroup(ctx context.Context, conv domain.ConversationID, plaintext []byte) (Sent, error) {
	msg, err := c.EncryptGroupMessage(ctx, conv, plaintext)
	if err != nil {
		return Sent{}, err
	}
	payload, err := group.Marshal(msg)
	if err != nil {
		return Sent{}, err
	}
	members, err := c.Broker.ConversationMembers(ctx, conv)
	if err != nil {
		return Sent{}, err
	}
	self := c.Self()
	var out Sent
	for _, u := range members {
		devices, err := c.Broker.ListDevices(ctx, u)
		if err != nil {
			return out, err
		}
		for _, d := range devices {
			addr := d.Address()
			if addr == self {
				continue
			}
			env := domain.Envelope{
				From:           self,
				To:             addr,
				Kind:           domain.EnvelopeGroup,
				ConversationID: conv,
				Payload:        payload,
			}
			if err := c.Broker.PostEnvelope(ctx, env); err != nil {
				return out, err
			}
			out.Delivered = append(out.Delivered, addr)
		}
	}
	return out, nil
}

// Received is the outcome of one mailbox poll.
type Received struct {
	Messages []domain.DecryptedMessage
	// Pending counts group envelopes kept queued until their session key
	// arrives.
	Pending int
	// Failed counts envelopes that could not be decrypted and were
	// dropped.
	Failed int
}

const (
	// defaultReceiveLimit applies when Receive is called without a limit.
	defaultReceiveLimit = 100
	// pendingGroupMaxAge bounds how long a group envelope waits for its
	// session key before it is dropped.
	pendingGroupMaxAge = 7 * 24 * time.Hour
)

// Receive imports pending group key shares, then fetches, decrypts and
// acknowledges up to limit envelopes.
//
// Group envelopes waiting for their key stay at the head of the queue, so
// the fetch window widens past them until limit envelopes were handled or
// the queue is drained.
func (c *Client) Receive(ctx context.Context, limit int) (Received, error) {
	if err := c.ready(); err != nil {
		return Received{}, err
	}
	if limit <= 0 {
		limit = defaultReceiveLimit
	}
	if _, err := c.Groups.ReceiveKeyShares(ctx); err != nil {
		jww.WARN.Printf("[APP] receiving key shares: %v", err)
	}
	self := c.Self()

	var out Received
	seen := make(map[string]struct{})
	for {
		window := out.Pending + limit - len(out.Messages) - out.Failed
		envs, err := c.Broker.FetchEnvelopes(ctx, self, window)
		if err != nil {
			return out, err
		}

		var ack []string
		fresh := 0
		for _, env := range envs {
			if _, ok := seen[env.ID]; ok {
				continue
			}
			seen[env.ID] = struct{}{}
			fresh++
			if c.handle(ctx, env, &out) {
				ack = append(ack, env.ID)
			}
		}
		if len(ack) > 0 {
			if err := c.Broker.AckEnvelopes(ctx, self, ack); err != nil {
				return out, err
			}
		}
		if fresh == 0 || len(envs) < window || len(out.Messages)+out.Failed >= limit {
			return out, nil
		}
	}
}

// handle decrypts env into out and reports whether env is done with.
func (c *Client) handle(ctx context.Context, env domain.Envelope, out *Received) bool {
	pt, err := c.open(ctx, env)
	switch {
	case err == nil:
		out.Messages = append(out.Messages, domain.DecryptedMessage{
			EnvelopeID:     env.ID,
			From:           env.From,
			ConversationID: env.ConversationID,
			Plaintext:      pt,
			Timestamp:      env.Timestamp,
		})
		return true
	case env.Kind == domain.EnvelopeGroup && errors.Is(err, domain.ErrSessionNotFound) &&
		!errors.Is(err, domain.ErrUnknownMessageIndex) && time.Since(env.Timestamp) < pendingGroupMaxAge:
		out.Pending++
		return false
	default:
		jww.WARN.Printf("[APP] dropping envelope %s from %s: %v", env.ID, env.From, err)
		out.Failed++
		return true
	}
}

func (c *Client) open(ctx context.Context, env domain.Envelope) ([]byte, error) {
	switch env.Kind {
	case domain.EnvelopePairwise:
		msg, err := session.Unmarshal(env.Payload)
		if err != nil {
			return nil, err
		}
		return c.Sessions.DecryptPairwise(ctx, env.From, msg)
	case domain.EnvelopeGroup:
		msg, err := group.Unmarshal(env.Payload)
		if err != nil {
			return nil, err
		}
		if msg.SenderDevice != env.From {
			return nil, errors.Wrapf(domain.ErrInvalidArgument, "group message from %s posted by %s", msg.SenderDevice, env.From)
		}
		return c.Groups.DecryptGroup(ctx, env.ConversationID, msg)
	default:
		return nil, errors.Wrapf(domain.ErrInvalidArgument, "unknown envelope kind %q", env.Kind)
	}
}
