package session

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"cipherdm/internal/domain"
)

// Marshal encodes a pairwise message for transport inside an envelope or a
// group key share.
func Marshal(msg domain.PairwiseMessage) ([]byte, error) {
	b, err := cbor.Marshal(msg)
	return b, errors.Wrap(err, "encode pairwise message")
}

// Unmarshal decodes a message produced by Marshal.
func Unmarshal(b []byte) (domain.PairwiseMessage, error) {
	var msg domain.PairwiseMessage
	if err := cbor.Unmarshal(b, &msg); err != nil {
		return domain.PairwiseMessage{}, errors.Wrapf(domain.ErrInvalidArgument, "decode pairwise message: %v", err)
	}
	if msg.Type == domain.MessageTypePreKey && msg.PreKey == nil {
		return domain.PairwiseMessage{}, errors.Wrap(domain.ErrInvalidArgument, "prekey message without prekey header")
	}
	return msg, nil
}
