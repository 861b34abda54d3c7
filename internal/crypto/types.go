package crypto

import "time"

// DeviceKeys is the per (userID, deviceID) record returned by a key query:
// algorithms, the two long-term public keys, their signatures, and a
// display name. The ed25519 key identifies the device over its lifetime;
// DeviceRegistry.mergeQueryResult treats a change to it as a re-key.
type DeviceKeys struct {
	UserID      string            `json:"user_id"`
	DeviceID    string            `json:"device_id"`
	Algorithms  []string          `json:"algorithms"`
	Curve25519  string            `json:"curve25519_key"`
	Ed25519     string            `json:"ed25519_key"`
	Signatures  map[string]string `json:"signatures"`
	DisplayName string            `json:"display_name,omitempty"`
}

// OlmSessionEntry pairs a pickle with the bookkeeping OlmSessionManager
// needs to order sessions for a given sender key.
type OlmSessionEntry struct {
	SessionID    string    `json:"session_id"`
	Pickle       []byte    `json:"pickle"`
	LastReceived time.Time `json:"last_received"`
	CreatedAt    time.Time `json:"created_at"`
}

// InboundMegolmSession is the persisted state of one inbound group
// ratchet: the oracle pickle plus the metadata needed to answer
// membership/rotation questions without touching the oracle.
type InboundMegolmSession struct {
	RoomID    string    `json:"room_id"`
	SessionID string    `json:"session_id"`
	SenderKey string    `json:"sender_key"`
	Pickle    []byte    `json:"pickle"`
	CreatedAt time.Time `json:"created_at"`
	// Index is the ratchet's current position, tracked alongside the
	// pickle rather than recovered from it: the pickle is a sealed
	// opaque envelope only the CryptoOracle can open.
	Index uint32 `json:"index"`
}

// OutboundMegolmSession is the active per-room send session plus the
// rotation bookkeeping RotationPolicy consults.
type OutboundMegolmSession struct {
	RoomID       string    `json:"room_id"`
	SessionID    string    `json:"session_id"`
	SessionKey   string    `json:"session_key"`
	Pickle       []byte    `json:"pickle"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount uint64    `json:"message_count"`
	Recipients   []string  `json:"recipients"` // sorted "userID|deviceID" pairs as of creation
}

// recipientKey is the canonical form of a (userID, deviceID) pair used as
// a map/set member throughout the store and the managers built on it.
type recipientKey struct {
	UserID   string
	DeviceID string
}

func (r recipientKey) String() string { return r.UserID + "|" + r.DeviceID }

// RecipientKey is the exported name for recipientKey, for callers outside
// this package building a recipient list to pass to EncryptionCoordinator.
type RecipientKey = recipientKey
