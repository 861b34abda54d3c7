package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// CoordinatorState is the EncryptionCoordinator lifecycle, advanced only
// by Setup, OnSyncSuccess and Clear. Stored as an atomic.Int32 so State()
// is lock-free, the same pattern the rest of this package uses for
// hot-path counters.
type CoordinatorState int32

const (
	StateUninitialized CoordinatorState = iota
	StateLoading
	StateReady
	StateSyncing
	StateCleared
)

func (s CoordinatorState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateSyncing:
		return "syncing"
	case StateCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

type coordinatorOptions struct {
	oracle CryptoOracle
	mock   bool
}

// Option configures EncryptionCoordinator.Setup.
type Option func(*coordinatorOptions)

// WithOracle overrides the CryptoOracle Setup would otherwise construct
// from the config's PicklingKey, so a caller can substitute another
// CryptoOracle implementation; the package's own tests use the real one.
func WithOracle(o CryptoOracle) Option {
	return func(o2 *coordinatorOptions) { o2.oracle = o }
}

// WithMock marks this Setup call as a test harness run; the flag is only
// stored in the options and has no further effect, kept distinct from WithOracle since a mock
// run may still want the real oracle with a disposable KeyStoreDir.
func WithMock() Option {
	return func(o *coordinatorOptions) { o.mock = true }
}

// SyncResult is the slice of one /sync response EncryptionCoordinator
// consumes; everything else in a sync response (room timelines, account
// data, presence) belongs to collaborators out of this core's scope.
type SyncResult struct {
	ToDeviceEvents     []ToDeviceEvent
	DeviceListsChanged []string
	DeviceListsLeft    []string
	// OneTimeKeysCount is the server's device_one_time_keys_count map,
	// algorithm name (e.g. "signed_curve25519") -> remaining count.
	OneTimeKeysCount map[string]int
}

// EncryptionCoordinator is the top-level orchestrator wired to the
// surrounding client's sync lifecycle (spec.md §4.8). All exported
// mutators assume they are called from the owning client context — see
// SPEC_FULL.md §5 — no internal mutex guards state transitions.
type EncryptionCoordinator struct {
	userID, deviceID string
	transport        Transport
	log              *slog.Logger

	store    *KeyStore
	oracle   CryptoOracle
	registry *DeviceRegistry
	olm      *OlmSessionManager
	megolm   *MegolmManager
	keyQuery *KeyQueryCoordinator
	pipeline *ToDevicePipeline

	state           atomic.Int32
	firstSync       atomic.Bool
	isUploadingKeys atomic.Bool

	accountPickle  []byte
	ourCurveKey    string
	selfDeviceKeys DeviceKeys
}

// Setup loads or creates this device's account, rehydrates every other
// manager from the KeyStore, and leaves the coordinator in StateReady.
// A returned error leaves it in StateUninitialized (setup errors abort
// initialisation, per spec.md §7's error-propagation rule).
func Setup(ctx context.Context, cfg CoordinatorConfig, transport Transport, verification VerificationSink, log *slog.Logger, opts ...Option) (*EncryptionCoordinator, error) {
	options := &coordinatorOptions{}
	for _, opt := range opts {
		opt(options)
	}

	c := &EncryptionCoordinator{
		userID:    cfg.UserID,
		deviceID:  cfg.DeviceID,
		transport: transport,
		log:       log,
	}
	c.state.Store(int32(StateUninitialized))
	c.firstSync.Store(true)

	store, err := OpenKeyStore(cfg.KeyStoreDir, cfg.PicklingKey, log)
	if err != nil {
		return nil, fmt.Errorf("setup: open key store: %w", err)
	}
	c.store = store
	c.state.Store(int32(StateLoading))

	oracle := options.oracle
	if oracle == nil {
		oracle = NewOracle(cfg.PicklingKey)
	}
	c.oracle = oracle

	if err := c.loadOrCreateAccount(cfg); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	registry, err := NewDeviceRegistry(store, log)
	if err != nil {
		return nil, fmt.Errorf("setup: new device registry: %w", err)
	}
	if err := registry.LoadDevicesList(); err != nil {
		return nil, fmt.Errorf("setup: load devices list: %w", err)
	}
	c.registry = registry

	c.olm = NewOlmSessionManager(store, oracle, log)
	if err := c.olm.LoadSessions(); err != nil {
		return nil, fmt.Errorf("setup: load olm sessions: %w", err)
	}

	c.megolm = NewMegolmManager(store, oracle, log, cfg.RotationPolicy)
	if err := c.megolm.LoadSessions(cfg.KnownRoomIDs); err != nil {
		return nil, fmt.Errorf("setup: load megolm sessions: %w", err)
	}

	c.keyQuery = NewKeyQueryCoordinator(registry, transport, log)
	c.pipeline = NewToDevicePipeline(c.olm, c.megolm, verification, c.ourCurveKey, cfg.ToDeviceBufferCap, log)

	c.state.Store(int32(StateReady))
	return c, nil
}

// loadOrCreateAccount loads this device's account pickle, generating a
// fresh identity on first run and persisting its self-signed DeviceKeys
// record alongside it so later Setup calls can recover ourCurveKey
// without ever unpickling the account outside the oracle.
func (c *EncryptionCoordinator) loadOrCreateAccount(cfg CoordinatorConfig) error {
	pickle, found, err := c.store.LoadAccount(cfg.UserID, cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	if !found {
		curvePub, edPub, newPickle, err := c.oracle.GenerateIdentity()
		if err != nil {
			return fmt.Errorf("generate identity: %w", err)
		}

		self := DeviceKeys{
			UserID:     cfg.UserID,
			DeviceID:   cfg.DeviceID,
			Algorithms: []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
			Curve25519: curvePub,
			Ed25519:    edPub,
		}
		sig, err := c.oracle.SignJSON(newPickle, self)
		if err != nil {
			return fmt.Errorf("sign self device keys: %w", err)
		}
		self.Signatures = map[string]string{cfg.UserID + "/" + cfg.DeviceID: sig}

		if err := c.store.StoreAccount(cfg.UserID, cfg.DeviceID, newPickle); err != nil {
			return fmt.Errorf("store account: %w", err)
		}
		if err := c.store.SaveDeviceKeys(self); err != nil {
			return fmt.Errorf("store self device keys: %w", err)
		}

		c.accountPickle = newPickle
		c.ourCurveKey = curvePub
		c.selfDeviceKeys = self
		return nil
	}

	devices, err := c.store.LoadDeviceKeys(cfg.UserID)
	if err != nil {
		return fmt.Errorf("load self device keys: %w", err)
	}
	self, ok := devices[cfg.DeviceID]
	if !ok {
		return fmt.Errorf("account exists but self device keys record is missing for %s/%s", cfg.UserID, cfg.DeviceID)
	}

	c.accountPickle = pickle
	c.ourCurveKey = self.Curve25519
	c.selfDeviceKeys = self
	return nil
}

// State reports the current lifecycle state; safe to call concurrently
// with mutators since it only reads the atomic.
func (c *EncryptionCoordinator) State() CoordinatorState {
	return CoordinatorState(c.state.Load())
}

// OnSyncSuccess consumes one sync response's to-device events and
// device-list deltas, per spec.md §4.8. Must be called from the owning
// client context; returns to StateReady (from StateSyncing) whether or
// not any individual sub-step logged a warning, since per-event and
// per-subsystem failures never abort the whole pass (spec.md §7).
func (c *EncryptionCoordinator) OnSyncSuccess(ctx context.Context, sync SyncResult) error {
	c.state.Store(int32(StateSyncing))
	defer c.state.Store(int32(StateReady))

	newPickle, stats, err := c.pipeline.Dispatch(c.accountPickle, sync.ToDeviceEvents)
	if err != nil {
		return fmt.Errorf("dispatch to-device events: %w", err)
	}
	c.accountPickle = newPickle
	c.log.Debug("to-device batch dispatched",
		"accepted", stats.Accepted, "verification", stats.Verification,
		"buffered", stats.Buffered, "drained", stats.Drained, "dropped", stats.Dropped)

	if len(sync.DeviceListsChanged) > 0 {
		c.registry.TrackIfNeeded(sync.DeviceListsChanged)
		c.registry.MarkOutdated(sync.DeviceListsChanged)
		c.keyQuery.ScheduleUpdate(sync.DeviceListsChanged)
	}
	// DeviceListsLeft users are left tracked: whether to stop tracking a
	// user who left a shared room is a room-membership decision owned by
	// the timeline-storage collaborator, not this core (spec.md §1).

	if err := c.keyQuery.Tick(ctx); err != nil {
		c.log.Warn("key query tick failed", "err", err)
	}

	if err := c.maybeReplenishOneTimeKeys(ctx, sync.OneTimeKeysCount); err != nil {
		c.log.Warn("one-time key replenish failed", "err", err)
	}

	c.firstSync.Store(false)
	return nil
}

// EncryptionUpdate is called when roomID's encryption-relevant
// membership changes: it marks the affected users tracked/outdated,
// schedules a key query, and invalidates the room's outbound Megolm
// session so the next send mints a fresh one (Testable Property 7).
func (c *EncryptionCoordinator) EncryptionUpdate(roomID string, users []string) {
	c.registry.TrackIfNeeded(users)
	c.registry.MarkOutdated(users)
	c.keyQuery.ScheduleUpdate(users)
	c.keyQuery.requireEncryptionUpdate()
	c.megolm.InvalidateOutbound(roomID)
}

// maybeReplenishOneTimeKeys uploads a fresh batch of one-time keys when
// the server reports fewer than half of targetOneTimeKeyCount remaining
// and no upload is already outstanding (the isUploadingKeys gate).
func (c *EncryptionCoordinator) maybeReplenishOneTimeKeys(ctx context.Context, counts map[string]int) error {
	if counts[signedCurve25519Algo] >= targetOneTimeKeyCount/2 {
		return nil
	}
	if !c.isUploadingKeys.CompareAndSwap(false, true) {
		return nil
	}
	defer c.isUploadingKeys.Store(false)

	n := targetOneTimeKeyCount - counts[signedCurve25519Algo]
	keys, newPickle, err := c.oracle.GenerateOneTimeKeys(c.accountPickle, n)
	if err != nil {
		return fmt.Errorf("generate one-time keys: %w", err)
	}
	c.accountPickle = newPickle

	otkMap := make(map[string]OneTimeKey, len(keys))
	for _, k := range keys {
		otkMap[k.KeyID] = k
	}

	upload := DeviceKeysUpload{
		UserID:        c.userID,
		DeviceID:      c.deviceID,
		DeviceKeys:    c.selfDeviceKeys,
		OneTimeKeys:   otkMap,
		SignedKeyAlgo: signedCurve25519Algo,
	}
	if err := c.transport.UploadKeys(ctx, upload); err != nil {
		return &ErrTransient{Cause: fmt.Errorf("upload keys: %w", err)}
	}

	published, err := c.oracle.MarkKeysAsPublished(c.accountPickle)
	if err != nil {
		return fmt.Errorf("mark keys as published: %w", err)
	}
	c.accountPickle = published

	if err := c.store.StoreAccount(c.userID, c.deviceID, c.accountPickle); err != nil {
		return fmt.Errorf("persist account after key upload: %w", err)
	}
	return nil
}

// SendSessionKeyToDevices ensures roomID has a current outbound Megolm
// session for recipients (rotating if the policy or membership requires
// it), then shares that session's key with every recipient device that
// has not yet received it.
func (c *EncryptionCoordinator) SendSessionKeyToDevices(ctx context.Context, roomID string, recipients []recipientKey) (sessionID string, err error) {
	sessionID, sessionKey, index, err := c.megolm.EnsureOutbound(roomID, recipients)
	if err != nil {
		return "", fmt.Errorf("ensure outbound session: %w", err)
	}
	if err := c.sendSessionKeyToDevices(ctx, roomID, sessionID, sessionKey, index, recipients); err != nil {
		return "", err
	}
	return sessionID, nil
}

// sendSessionKeyToDevices implements spec.md §4.8's algorithm: compute
// the devices still missing (sessionID, index), ensure an Olm session
// per recipient (claiming one-time keys where needed), Olm-encrypt the
// m.room_key payload per device, send as one to-device transaction, and
// mark recipients received only on transport success.
func (c *EncryptionCoordinator) sendSessionKeyToDevices(ctx context.Context, roomID, sessionID, sessionKey string, index uint32, recipients []recipientKey) error {
	missing, err := c.store.DevicesMissingKey(roomID, sessionID, recipients)
	if err != nil {
		return fmt.Errorf("devices missing key: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}

	curveKeys := make(map[recipientKey]string, len(missing))
	var needClaim []recipientKey
	for _, d := range missing {
		curve, ok := c.registry.CurveKeyFor(d.UserID, d.DeviceID)
		if !ok {
			c.log.Warn("no known curve key for device, skipping session key share", "user", d.UserID, "device", d.DeviceID)
			continue
		}
		curveKeys[d] = curve
		if !c.olm.HasSession(curve) {
			needClaim = append(needClaim, d)
		}
	}

	if err := c.establishSessions(ctx, needClaim, curveKeys); err != nil {
		return fmt.Errorf("establish olm sessions: %w", err)
	}

	plaintext, err := json.Marshal(innerEventEnvelope{
		Type: "m.room_key",
		Content: mustMarshal(roomKeyContent{
			Algorithm:  "m.megolm.v1.aes-sha2",
			RoomID:     roomID,
			SessionID:  sessionID,
			SessionKey: sessionKey,
		}),
	})
	if err != nil {
		return fmt.Errorf("marshal room key payload: %w", err)
	}

	var outgoing []OutgoingToDeviceEvent
	var sent []recipientKey
	for _, d := range missing {
		curve, ok := curveKeys[d]
		if !ok || !c.olm.HasSession(curve) {
			continue
		}
		msgType, ciphertext, err := c.olm.EncryptTo(curve, plaintext)
		if err != nil {
			c.log.Warn("failed to encrypt room key to device", "user", d.UserID, "device", d.DeviceID, "err", err)
			continue
		}
		content, err := json.Marshal(encryptedContent{
			Algorithm:  "m.olm.v1.curve25519-aes-sha2",
			SenderKey:  c.ourCurveKey,
			Ciphertext: map[string]olmCiphertextEntry{curve: {Type: msgType, Body: ciphertext}},
		})
		if err != nil {
			return fmt.Errorf("marshal encrypted content: %w", err)
		}
		outgoing = append(outgoing, OutgoingToDeviceEvent{
			UserID: d.UserID, DeviceID: d.DeviceID, Type: "m.room.encrypted", Content: content,
		})
		sent = append(sent, d)
	}

	if len(outgoing) == 0 {
		return nil
	}
	if err := c.transport.SendToDevice(ctx, outgoing); err != nil {
		return &ErrTransient{Cause: fmt.Errorf("send to device: %w", err)}
	}

	return c.store.MarkDevicesReceivedKey(roomID, sessionID, sent, curveKeys, index)
}

// RoomSend encrypts plaintext with roomID's current outbound Megolm
// session. Callers must have already shared that session with every
// recipient via SendSessionKeyToDevices, per spec.md §2's room send
// path: higher layer -> MegolmManager (encrypt) -> sendSessionKeyToDevices.
func (c *EncryptionCoordinator) RoomSend(roomID string, plaintext []byte) (ciphertext string, index uint32, err error) {
	return c.megolm.GroupEncrypt(roomID, plaintext)
}

// RoomReceive decrypts a Megolm-encrypted room event, enforcing replay
// defense via MegolmManager.Decrypt's (sessionID, index) uniqueness.
func (c *EncryptionCoordinator) RoomReceive(roomID, sessionID, ciphertext, eventID string, ts time.Time) ([]byte, uint32, error) {
	return c.megolm.Decrypt(roomID, sessionID, ciphertext, eventID, ts)
}

// establishSessions claims one-time keys through the transport for
// every device in needClaim that has no existing Olm session, then
// creates outbound sessions from the claimed keys.
func (c *EncryptionCoordinator) establishSessions(ctx context.Context, needClaim []recipientKey, curveKeys map[recipientKey]string) error {
	if len(needClaim) == 0 {
		return nil
	}

	requests := make(map[string]string, len(needClaim))
	for _, d := range needClaim {
		requests[d.UserID+"|"+d.DeviceID] = signedCurve25519Algo
	}

	claimed, err := c.transport.ClaimKeys(ctx, requests)
	if err != nil {
		return &ErrTransient{Cause: fmt.Errorf("claim keys: %w", err)}
	}

	for _, d := range needClaim {
		if c.olm.WasTried(d.UserID, d.DeviceID) && !c.olm.HasSession(curveKeys[d]) {
			// already attempted this device this process lifetime and it
			// still has no session: don't thrash on every send.
			continue
		}
		otk, ok := claimed.OneTimeKeys[d.UserID][d.DeviceID]
		if !ok {
			c.log.Warn("no one-time key claimed for device", "user", d.UserID, "device", d.DeviceID)
			continue
		}
		if _, err := c.olm.CreateOutbound(c.accountPickle, d.UserID, d.DeviceID, curveKeys[d], []OneTimeKey{otk}); err != nil {
			c.log.Warn("failed to create outbound olm session", "user", d.UserID, "device", d.DeviceID, "err", err)
		}
	}
	return nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("crypto: marshal %T: %v", v, err))
	}
	return b
}

// Clear wipes all persisted state and moves the coordinator to
// StateCleared; spec.md §3 "never replaced after first creation except
// via clear()".
func (c *EncryptionCoordinator) Clear() error {
	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	c.state.Store(int32(StateCleared))
	return nil
}

// ClearRoom wipes roomID's persisted Megolm state only.
func (c *EncryptionCoordinator) ClearRoom(roomID string) error {
	return c.store.ClearRoom(roomID)
}
