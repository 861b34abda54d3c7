package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v4"
)

// knownCurveKeyCacheSize bounds the (userID, curveKey) membership cache
// DeviceRegistry uses to answer isKnownCurveKey without an O(devices)
// scan on every inbound to-device event — the hot lookup spec.md §4.3
// calls out explicitly.
const knownCurveKeyCacheSize = 4096

type knownCurveKey struct {
	userID string
	curve  string
}

// DeviceRegistry is the in-memory map of user -> device -> DeviceKeys,
// plus the tracked/outdated user sets. All mutating methods assume they
// are called from the owning context (spec.md §5's single-writer
// discipline); the concurrent maps below exist so an incidental
// concurrent reader (e.g. a debug/introspection goroutine) never races
// the writer, not to relax that discipline.
type DeviceRegistry struct {
	store *KeyStore
	log   *slog.Logger

	deviceKeys    *xsync.Map[string, *xsync.Map[string, DeviceKeys]]
	trackedUsers  *xsync.Map[string, struct{}]
	outdatedUsers *xsync.Map[string, struct{}]

	knownCurveKeys *lru.Cache[knownCurveKey, struct{}]
}

// NewDeviceRegistry constructs an empty registry; callers load persisted
// state with LoadDevicesList before first use.
func NewDeviceRegistry(store *KeyStore, log *slog.Logger) (*DeviceRegistry, error) {
	cache, err := lru.New[knownCurveKey, struct{}](knownCurveKeyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create known-curve-key cache: %w", err)
	}
	return &DeviceRegistry{
		store:          store,
		log:            log,
		deviceKeys:     xsync.NewMap[string, *xsync.Map[string, DeviceKeys]](),
		trackedUsers:   xsync.NewMap[string, struct{}](),
		outdatedUsers:  xsync.NewMap[string, struct{}](),
		knownCurveKeys: cache,
	}, nil
}

func (r *DeviceRegistry) devicesFor(userID string) *xsync.Map[string, DeviceKeys] {
	actual, _ := r.deviceKeys.Compute(userID, func(old *xsync.Map[string, DeviceKeys], loaded bool) (*xsync.Map[string, DeviceKeys], xsync.ComputeOp) {
		if loaded {
			return old, xsync.UpdateOp
		}
		return xsync.NewMap[string, DeviceKeys](), xsync.UpdateOp
	})
	return actual
}

// CurveKeyFor returns the curve25519 key of (userID, deviceID), if known.
func (r *DeviceRegistry) CurveKeyFor(userID, deviceID string) (string, bool) {
	devices, ok := r.deviceKeys.Load(userID)
	if !ok {
		return "", false
	}
	dk, ok := devices.Load(deviceID)
	if !ok {
		return "", false
	}
	return dk.Curve25519, true
}

// IsKnownCurveKey reports whether any device of userID currently
// advertises curveKey, consulting the bounded LRU cache before falling
// back to a scan (which also populates the cache).
func (r *DeviceRegistry) IsKnownCurveKey(userID, curveKey string) bool {
	k := knownCurveKey{userID: userID, curve: curveKey}
	if _, ok := r.knownCurveKeys.Get(k); ok {
		return true
	}

	devices, ok := r.deviceKeys.Load(userID)
	if !ok {
		return false
	}
	found := false
	devices.Range(func(_ string, dk DeviceKeys) bool {
		if dk.Curve25519 == curveKey {
			found = true
			return false
		}
		return true
	})
	if found {
		r.knownCurveKeys.Add(k, struct{}{})
	}
	return found
}

// invalidateKnownCurveKeyCache drops every cache entry for userID; called
// whenever mergeQueryResult changes that user's device set, since a
// removed or re-keyed device must stop being considered "known".
func (r *DeviceRegistry) invalidateKnownCurveKeyCache(userID string) {
	for _, k := range r.knownCurveKeys.Keys() {
		if k.userID == userID {
			r.knownCurveKeys.Remove(k)
		}
	}
}

// MarkOutdated adds each of users to outdatedUsers, but only for users
// already in trackedUsers, preserving Testable Property 4
// (outdated ⊆ tracked).
func (r *DeviceRegistry) MarkOutdated(users []string) {
	for _, u := range users {
		if _, tracked := r.trackedUsers.Load(u); tracked {
			r.outdatedUsers.Store(u, struct{}{})
		}
	}
}

// TrackIfNeeded adds each of users to both trackedUsers and
// outdatedUsers, the entry point for "we now care about this user".
func (r *DeviceRegistry) TrackIfNeeded(users []string) {
	for _, u := range users {
		r.trackedUsers.Store(u, struct{}{})
		r.outdatedUsers.Store(u, struct{}{})
	}
}

func (r *DeviceRegistry) IsTracked(userID string) bool {
	_, ok := r.trackedUsers.Load(userID)
	return ok
}

func (r *DeviceRegistry) IsOutdated(userID string) bool {
	_, ok := r.outdatedUsers.Load(userID)
	return ok
}

// OutdatedSnapshot returns a point-in-time copy of outdatedUsers, used by
// KeyQueryCoordinator.tick to decide whether a query is needed.
func (r *DeviceRegistry) OutdatedSnapshot() []string {
	var out []string
	r.outdatedUsers.Range(func(u string, _ struct{}) bool {
		out = append(out, u)
		return true
	})
	return out
}

// UntrustedRekeyEvent is emitted (via the log, and available for the
// coordinator to forward upward) whenever mergeQueryResult observes a
// device's ed25519 key change.
type UntrustedRekeyEvent struct {
	UserID    string
	DeviceID  string
	OldEd25519 string
	NewEd25519 string
}

// MergeQueryResult validates and folds a /keys/query response into the
// registry: devices with an unchanged ed25519 key are updated in place;
// devices whose ed25519 key differs from the stored one are replaced
// wholesale and reported as an untrusted re-key (Open Question (b): the
// new record starts unverified, and VerifiedDevices is never copied
// across). On success the user is removed from outdatedUsers.
func (r *DeviceRegistry) MergeQueryResult(userID string, devices map[string]DeviceKeys) ([]UntrustedRekeyEvent, error) {
	var rekeys []UntrustedRekeyEvent
	existing := r.devicesFor(userID)

	for deviceID, dk := range devices {
		if err := r.verifyDeviceSignature(dk); err != nil {
			r.log.Warn("dropping device with invalid signature", "user", userID, "device", deviceID, "err", err)
			continue
		}

		prior, had := existing.Load(deviceID)
		if had && prior.Ed25519 != dk.Ed25519 {
			rekeys = append(rekeys, UntrustedRekeyEvent{
				UserID: userID, DeviceID: deviceID,
				OldEd25519: prior.Ed25519, NewEd25519: dk.Ed25519,
			})
			r.log.Warn("device re-keyed, marking untrusted", "user", userID, "device", deviceID)
		}
		existing.Store(deviceID, dk)

		if err := r.store.SaveDeviceKeys(dk); err != nil {
			return rekeys, fmt.Errorf("persist device keys for %s/%s: %w", userID, deviceID, err)
		}
	}

	r.invalidateKnownCurveKeyCache(userID)
	r.outdatedUsers.Delete(userID)
	if err := r.store.SaveTrackedState(userID, false); err != nil {
		return rekeys, fmt.Errorf("persist tracked state for %s: %w", userID, err)
	}
	return rekeys, nil
}

// verifyDeviceSignature checks dk's self-signature over its own key
// material with its own advertised ed25519 key. A real client also
// checks the uploading account's cross-signature; that verification
// path is out of scope here (see spec.md §1, interactive
// key-verification state machine).
func (r *DeviceRegistry) verifyDeviceSignature(dk DeviceKeys) error {
	sigID := dk.UserID + "/" + dk.DeviceID
	sig, ok := dk.Signatures[sigID]
	if !ok || sig == "" {
		return &ErrProtocol{Cause: fmt.Errorf("device %s has no self-signature", sigID)}
	}

	edPub, err := base64.StdEncoding.DecodeString(dk.Ed25519)
	if err != nil || len(edPub) != ed25519.PublicKeySize {
		return &ErrProtocol{Cause: fmt.Errorf("device %s has a malformed ed25519 key", sigID)}
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(sigBytes) != ed25519.SignatureSize {
		return &ErrProtocol{Cause: fmt.Errorf("device %s has a malformed signature", sigID)}
	}

	unsigned := dk
	unsigned.Signatures = nil
	canonical, err := json.Marshal(unsigned)
	if err != nil {
		return fmt.Errorf("canonicalize device keys for %s: %w", sigID, err)
	}

	if !ed25519.Verify(ed25519.PublicKey(edPub), canonical, sigBytes) {
		return &ErrProtocol{Cause: fmt.Errorf("device %s failed signature verification", sigID)}
	}
	return nil
}

// SaveDevicesList persists trackedUsers, outdatedUsers, and every device
// record currently held in memory.
func (r *DeviceRegistry) SaveDevicesList() error {
	var err error
	r.trackedUsers.Range(func(u string, _ struct{}) bool {
		_, outdated := r.outdatedUsers.Load(u)
		if e := r.store.SaveTrackedState(u, outdated); e != nil {
			err = e
			return false
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("save tracked state: %w", err)
	}

	r.deviceKeys.Range(func(_ string, devices *xsync.Map[string, DeviceKeys]) bool {
		devices.Range(func(_ string, dk DeviceKeys) bool {
			if e := r.store.SaveDeviceKeys(dk); e != nil {
				err = e
				return false
			}
			return true
		})
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("save device keys: %w", err)
	}
	return nil
}

// LoadDevicesList restores trackedUsers, outdatedUsers, and every device
// record from the KeyStore, adding to or overwriting what this registry
// holds in memory; entries not in the store are kept.
func (r *DeviceRegistry) LoadDevicesList() error {
	tracked, err := r.store.LoadTrackedState()
	if err != nil {
		return fmt.Errorf("load tracked state: %w", err)
	}
	for userID, outdated := range tracked {
		r.trackedUsers.Store(userID, struct{}{})
		if outdated {
			r.outdatedUsers.Store(userID, struct{}{})
		}

		devices, err := r.store.LoadDeviceKeys(userID)
		if err != nil {
			return fmt.Errorf("load device keys for %s: %w", userID, err)
		}
		devicesMap := r.devicesFor(userID)
		for deviceID, dk := range devices {
			devicesMap.Store(deviceID, dk)
		}
	}
	return nil
}
