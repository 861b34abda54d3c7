package crypto

import (
	"context"
	"encoding/json"
)

// Transport is everything EncryptionCoordinator needs from the
// surrounding Matrix client: key upload/query/claim, and to-device
// sends. Injected at Setup, per spec.md §9's "global singletons are
// replaced by explicit injection" design note.
type Transport interface {
	UploadKeys(ctx context.Context, upload DeviceKeysUpload) error
	QueryKeys(ctx context.Context, users []string) (QueryKeysResult, error)
	ClaimKeys(ctx context.Context, requests map[string]string) (ClaimKeysResult, error)
	SendToDevice(ctx context.Context, events []OutgoingToDeviceEvent) error
}

// DeviceKeysUpload is the body of a /keys/upload request: the device's
// own identity keys (signed) plus a batch of fresh one-time keys.
type DeviceKeysUpload struct {
	UserID        string
	DeviceID      string
	DeviceKeys    DeviceKeys
	OneTimeKeys   map[string]OneTimeKey
	SignedKeyAlgo string
}

// QueryKeysResult is the body of a /keys/query response: every
// requested user's devices.
type QueryKeysResult struct {
	DeviceKeys map[string]map[string]DeviceKeys // userID -> deviceID -> keys
}

// ClaimKeysResult is the body of a /keys/claim response: one claimed
// one-time key per (userID, deviceID) that had one available.
type ClaimKeysResult struct {
	OneTimeKeys map[string]map[string]OneTimeKey // userID -> deviceID -> key
}

// OutgoingToDeviceEvent is one per-recipient to-device payload to be
// sent in a single to-device transaction.
type OutgoingToDeviceEvent struct {
	UserID   string
	DeviceID string
	Type     string
	Content  json.RawMessage
}

// VerificationSink receives plaintext and decrypted key-verification
// to-device events; the verification state machine itself is out of
// scope (spec.md §1 Non-goals), so this is only the hand-off point.
type VerificationSink interface {
	HandleVerificationEvent(evt ToDeviceEvent)
}
