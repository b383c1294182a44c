package group

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"cipherdm/internal/domain"
)

// Marshal encodes a group message for an envelope.
func Marshal(m domain.GroupMessage) ([]byte, error) {
	b, err := cbor.Marshal(m)
	return b, errors.Wrap(err, "encode group message")
}

// Unmarshal decodes a message produced by Marshal.
func Unmarshal(b []byte) (domain.GroupMessage, error) {
	var m domain.GroupMessage
	if err := cbor.Unmarshal(b, &m); err != nil {
		return domain.GroupMessage{}, errors.Wrapf(domain.ErrInvalidArgument, "decode group message: %v", err)
	}
	if m.SessionID == "" || m.SenderDevice.IsZero() {
		return domain.GroupMessage{}, errors.Wrap(domain.ErrInvalidArgument, "group message without session or sender")
	}
	return m, nil
}
