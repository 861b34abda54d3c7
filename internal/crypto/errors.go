package crypto

import "errors"

// OlmErrorKind classifies failures surfaced by the CryptoOracle.
type OlmErrorKind int

const (
	ErrKindBadMAC OlmErrorKind = iota
	ErrKindUnknownMessageIndex
	ErrKindCorruptedPickle
	ErrKindMismatchedKey
	ErrKindOOM
)

func (k OlmErrorKind) String() string {
	switch k {
	case ErrKindBadMAC:
		return "bad_mac"
	case ErrKindUnknownMessageIndex:
		return "unknown_message_index"
	case ErrKindCorruptedPickle:
		return "corrupted_pickle"
	case ErrKindMismatchedKey:
		return "mismatched_key"
	case ErrKindOOM:
		return "out_of_memory"
	default:
		return "unknown"
	}
}

// OlmError wraps a failure from the cryptographic oracle with its kind.
type OlmError struct {
	Kind OlmErrorKind
	Err  error
}

func (e *OlmError) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *OlmError) Unwrap() error { return e.Err }

func newOlmError(kind OlmErrorKind, err error) *OlmError {
	return &OlmError{Kind: kind, Err: err}
}

// ErrPersistent marks a fatal error that must abort setup and surface to
// the owning client: corrupted pickle, failed migration, mismatched
// PicklingKey.
type ErrPersistent struct{ Cause error }

func (e *ErrPersistent) Error() string { return "persistent: " + e.Cause.Error() }
func (e *ErrPersistent) Unwrap() error { return e.Cause }

// ErrTransient marks a recoverable failure (network/query/claim/upload)
// that clears in-flight flags and is retried on the next tick.
type ErrTransient struct{ Cause error }

func (e *ErrTransient) Error() string { return "transient: " + e.Cause.Error() }
func (e *ErrTransient) Unwrap() error { return e.Cause }

// ErrProtocol marks a recoverable, logged protocol violation: unknown
// algorithm, malformed JSON, signature verification failure. The event is
// dropped; the sender is not penalised beyond this message.
type ErrProtocol struct{ Cause error }

func (e *ErrProtocol) Error() string { return "protocol: " + e.Cause.Error() }
func (e *ErrProtocol) Unwrap() error { return e.Cause }

// ErrReplayDetected is returned when a (sessionID, index) pair is
// decrypted twice with two different event IDs.
var ErrReplayDetected = errors.New("replay detected: index already recorded for a different event")

// ErrNoSession is returned by OlmSessionManager.DecryptNormal and
// EncryptTo when no Olm session exists yet for the sender key.
// todevice.go checks HasSession itself before decrypting and buffers the
// event instead.
var ErrNoSession = errors.New("no olm session for sender key")

// ErrUnknownSession is returned when a Megolm ciphertext references a
// session that has never been accepted.
var ErrUnknownSession = errors.New("unknown megolm session")

// ErrMismatchedKey is returned, wrapped in ErrPersistent, by the
// CryptoOracle when a pickle fails to decrypt under its PicklingKey.
var ErrMismatchedKey = errors.New("mismatched pickling key")

// ErrAlreadyTried marks the policy-skip path: the device is in
// triedDevices with no fresh one-time key, so it is silently skipped
// this session (no error is returned to the caller).
var ErrAlreadyTried = errors.New("device already tried this session")
