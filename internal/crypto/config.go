package crypto

import "time"

// RotationPolicy governs when MegolmManager.EnsureOutbound must mint a
// fresh outbound session rather than reuse the current one. Resolves
// spec.md §9 Open Question (a) by giving the three recognised options
// concrete defaults.
type RotationPolicy struct {
	// MaxMessages rotates once the current session has encrypted this
	// many messages. Matrix clients commonly use 100; so does this one.
	MaxMessages uint
	// MaxAge rotates once the current session has existed this long,
	// regardless of message count.
	MaxAge time.Duration
	// RotateOnMembershipChange forces a new session whenever
	// EnsureOutbound is called with a recipient set different from the
	// one the current session was created for.
	RotateOnMembershipChange bool
}

// DefaultRotationPolicy matches the values a Matrix client conventionally
// ships: rotate after 100 messages, after 7 days, or on any membership
// change, whichever comes first.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		MaxMessages:              100,
		MaxAge:                   7 * 24 * time.Hour,
		RotateOnMembershipChange: true,
	}
}

// CoordinatorConfig bundles the knobs EncryptionCoordinator.Setup needs:
// the on-disk location of the KeyStore, the account identity, and the
// rotation policy every room's outbound session obeys.
type CoordinatorConfig struct {
	UserID         string
	DeviceID       string
	KeyStoreDir    string
	PicklingKey    *PicklingKey
	RotationPolicy RotationPolicy
	// ToDeviceBufferCap bounds pendingEncryptedEvents per sender key;
	// spec.md §4.7 calls the exact cap implementation-defined.
	ToDeviceBufferCap int
	// KnownRoomIDs is the set of encrypted rooms to eagerly load Megolm
	// sessions for at Setup. Room membership itself is owned by the
	// timeline-storage collaborator (spec.md §1 Out of scope); this core
	// only needs the ID list to rehydrate MegolmManager.
	KnownRoomIDs []string
}

const defaultToDeviceBufferCap = 64

// targetOneTimeKeyCount is the number of signed one-time keys this
// device tries to keep published server-side. spec.md §4.8 leaves the
// exact target unspecified ("the target count"); 50 matches what
// mainline Matrix clients converge on and is documented here as the
// concrete resolution.
const targetOneTimeKeyCount = 50

// signedCurve25519Algo is the one-time-key algorithm this core signs
// and publishes; spec.md treats key algorithm negotiation as out of
// scope, so only the one algorithm this oracle produces is named here.
const signedCurve25519Algo = "signed_curve25519"
