package types

import "github.com/pkg/errors"

// Sentinel errors. Callers compare with errors.Is; wrapped context is added
// with errors.Wrap at each layer.
var (
	ErrEngineNotInitialized   = errors.New("crypto engine not initialized")
	ErrNotReady               = errors.New("client is not ready")
	ErrNoAccount              = errors.New("no local account")
	ErrAccountExists          = errors.New("local account already exists")
	ErrDeviceNotFound         = errors.New("device not found")
	ErrDeviceMismatch         = errors.New("local identity does not match published identity")
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflicting update")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrClaimExhausted         = errors.New("no one-time prekeys available")
	ErrInvalidPrekeySignature = errors.New("invalid signed prekey signature")
	ErrRatchetDesync          = errors.New("ratchet out of sync")
	ErrReplayDetected         = errors.New("message replay detected")
	ErrSessionNotFound        = errors.New("session not found")
	ErrUnknownMessageIndex    = errors.WithMessage(ErrSessionNotFound, "message index precedes first known index")
	ErrCorruptPickle          = errors.New("pickle cannot be opened")
	ErrVerificationExpired    = errors.New("verification expired")
	ErrVerificationMismatched = errors.New("verification mismatched")
	ErrVerificationState      = errors.New("invalid verification state")
	ErrTrustKeyStale          = errors.New("trusted master key no longer matches")
	ErrBackupNotFound         = errors.New("no backup stored")
	ErrBackupDecryptionFailed = errors.New("backup cannot be decrypted")
	ErrUnsupportedBackup      = errors.New("unsupported backup format")
)

// errorCodes is ordered so that more specific errors match first.
var errorCodes = []struct {
	code string
	err  error
}{
	{"unknown_message_index", ErrUnknownMessageIndex},
	{"session_not_found", ErrSessionNotFound},
	{"engine_not_initialized", ErrEngineNotInitialized},
	{"not_ready", ErrNotReady},
	{"no_account", ErrNoAccount},
	{"account_exists", ErrAccountExists},
	{"device_not_found", ErrDeviceNotFound},
	{"device_mismatch", ErrDeviceMismatch},
	{"not_found", ErrNotFound},
	{"conflict", ErrConflict},
	{"invalid_argument", ErrInvalidArgument},
	{"claim_exhausted", ErrClaimExhausted},
	{"invalid_prekey_signature", ErrInvalidPrekeySignature},
	{"ratchet_desync", ErrRatchetDesync},
	{"replay_detected", ErrReplayDetected},
	{"verification_expired", ErrVerificationExpired},
	{"verification_mismatched", ErrVerificationMismatched},
	{"verification_state", ErrVerificationState},
	{"trust_key_stale", ErrTrustKeyStale},
	{"backup_not_found", ErrBackupNotFound},
}

// ErrorCode returns the wire code for err, or "internal" when err does not
// wrap a known sentinel.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorFromCode maps a wire code back to its sentinel. Unknown codes yield nil.
func ErrorFromCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
