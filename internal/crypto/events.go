package crypto

import "encoding/json"

// ToDeviceEventKind is the closed set of to-device event shapes this
// core actually dispatches on, per spec.md §9's "tagged variant over
// the small closed set actually handled" design note — a generic event
// registry is an external collaborator, not this package's concern.
type ToDeviceEventKind int

const (
	ToDeviceKindEncrypted ToDeviceEventKind = iota
	ToDeviceKindRoomKey
	ToDeviceKindVerificationRequest
	ToDeviceKindVerificationStart
	ToDeviceKindVerificationKey
	ToDeviceKindVerificationMAC
	ToDeviceKindVerificationCancel
	ToDeviceKindVerificationDone
	ToDeviceKindOther
)

func (k ToDeviceEventKind) String() string {
	switch k {
	case ToDeviceKindEncrypted:
		return "m.room.encrypted"
	case ToDeviceKindRoomKey:
		return "m.room_key"
	case ToDeviceKindVerificationRequest:
		return "m.key.verification.request"
	case ToDeviceKindVerificationStart:
		return "m.key.verification.start"
	case ToDeviceKindVerificationKey:
		return "m.key.verification.key"
	case ToDeviceKindVerificationMAC:
		return "m.key.verification.mac"
	case ToDeviceKindVerificationCancel:
		return "m.key.verification.cancel"
	case ToDeviceKindVerificationDone:
		return "m.key.verification.done"
	default:
		return "other"
	}
}

// ToDeviceEvent is one inbound to-device event as handed to
// ToDevicePipeline.Dispatch — already tagged by type string, still
// carrying its raw content for the relevant subsystem to parse.
type ToDeviceEvent struct {
	Kind      ToDeviceEventKind
	SenderKey string
	Sender    string
	Type      string
	Content   json.RawMessage
}

// NewToDeviceEvent classifies a raw wire event (sender, type, content)
// into a ToDeviceEvent, the conversion any sync-loop adapter feeding
// EncryptionCoordinator.OnSyncSuccess needs to perform.
func NewToDeviceEvent(sender, eventType string, content json.RawMessage) ToDeviceEvent {
	return ToDeviceEvent{
		Kind:    classifyToDeviceType(eventType),
		Sender:  sender,
		Type:    eventType,
		Content: content,
	}
}

func classifyToDeviceType(eventType string) ToDeviceEventKind {
	switch eventType {
	case "m.room.encrypted":
		return ToDeviceKindEncrypted
	case "m.room_key":
		return ToDeviceKindRoomKey
	case "m.key.verification.request":
		return ToDeviceKindVerificationRequest
	case "m.key.verification.start":
		return ToDeviceKindVerificationStart
	case "m.key.verification.key":
		return ToDeviceKindVerificationKey
	case "m.key.verification.mac":
		return ToDeviceKindVerificationMAC
	case "m.key.verification.cancel":
		return ToDeviceKindVerificationCancel
	case "m.key.verification.done":
		return ToDeviceKindVerificationDone
	default:
		return ToDeviceKindOther
	}
}

func isVerificationKind(k ToDeviceEventKind) bool {
	switch k {
	case ToDeviceKindVerificationRequest, ToDeviceKindVerificationStart, ToDeviceKindVerificationKey,
		ToDeviceKindVerificationMAC, ToDeviceKindVerificationCancel, ToDeviceKindVerificationDone:
		return true
	default:
		return false
	}
}

// encryptedContent is the parsed m.room.encrypted to-device payload
// body (algorithm m.olm.v1.curve25519-aes-sha2): per-recipient
// ciphertexts keyed by our own curve25519 identity key.
type encryptedContent struct {
	Algorithm  string                        `json:"algorithm"`
	SenderKey  string                        `json:"sender_key"`
	Ciphertext map[string]olmCiphertextEntry `json:"ciphertext"`
}

type olmCiphertextEntry struct {
	Type MessageType `json:"type"`
	Body string      `json:"body"`
}

// roomKeyContent is the parsed inner m.room_key event delivered inside
// a decrypted Olm payload.
type roomKeyContent struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
}
