package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"arko-chat/e2eecore/internal/config"
	"arko-chat/e2eecore/internal/credentials"
	"arko-chat/e2eecore/internal/crypto"
	"arko-chat/e2eecore/internal/logger"
	"maunium.net/go/mautrix/id"
)

// Demo identities, typed with mautrix's id package so the strings this
// binary hands to CoordinatorConfig are the same vocabulary a real
// mautrix.Client-backed transport would use for /keys and /sync.
var (
	aliceUserID   = id.UserID("@alice:example.org")
	aliceDeviceID = id.DeviceID("ALICEDEVICE")
	bobUserID     = id.UserID("@bob:example.org")
	bobDeviceID   = id.DeviceID("BOBDEVICE")
)

// loggingVerificationSink is a stand-in for the interactive key
// verification state machine, which is out of scope (spec.md §1): it
// only needs to see the lifecycle hand-off, so here it just logs.
type loggingVerificationSink struct {
	log *slog.Logger
	who string
}

func (s *loggingVerificationSink) HandleVerificationEvent(evt crypto.ToDeviceEvent) {
	s.log.Info("verification event received", "device", s.who, "type", evt.Type, "from", evt.Sender)
}

func main() {
	level := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logger.New(parseLevel(*level))

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.CryptoDBPath, 0700); err != nil {
		log.Error("failed to create crypto db directory", "err", err)
		os.Exit(1)
	}

	if err := runDemo(log, cfg); err != nil {
		log.Error("demo run failed", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runDemo exercises the full core against an in-process Relay: two
// devices, alice and bob, upload keys, alice discovers bob via a key
// query, shares a Megolm session key for a room, and bob decrypts a
// message alice encrypts with it. Everything a real client would get
// from the HTTP transport and sync loop (both out of scope per
// spec.md §1) is reproduced locally by Relay so this binary is a
// runnable demonstration of the core with no network dependency.
func runDemo(log *slog.Logger, cfg *config.Config) error {
	ctx := context.Background()
	relay := NewRelay()

	alice, err := newDemoDevice(ctx, log, cfg, relay, string(aliceUserID), string(aliceDeviceID))
	if err != nil {
		return err
	}
	bob, err := newDemoDevice(ctx, log, cfg, relay, string(bobUserID), string(bobDeviceID))
	if err != nil {
		return err
	}

	if err := alice.coordinator.OnSyncSuccess(ctx, crypto.SyncResult{
		OneTimeKeysCount: map[string]int{},
	}); err != nil {
		return err
	}
	if err := bob.coordinator.OnSyncSuccess(ctx, crypto.SyncResult{
		OneTimeKeysCount: map[string]int{},
	}); err != nil {
		return err
	}

	const roomID = "!demo:example.org"
	alice.coordinator.EncryptionUpdate(roomID, []string{bob.userID})
	if err := alice.coordinator.OnSyncSuccess(ctx, crypto.SyncResult{
		DeviceListsChanged: []string{bob.userID},
	}); err != nil {
		return err
	}

	sessionID, err := alice.coordinator.SendSessionKeyToDevices(ctx, roomID,
		[]crypto.RecipientKey{{UserID: bob.userID, DeviceID: bob.deviceID}})
	if err != nil {
		return err
	}
	log.Info("alice shared room key", "room", roomID, "session", sessionID)

	if err := bob.coordinator.OnSyncSuccess(ctx, crypto.SyncResult{
		ToDeviceEvents: relay.Drain(bob.userID, bob.deviceID),
	}); err != nil {
		return err
	}

	ciphertext, index, err := alice.coordinator.RoomSend(roomID, []byte("hello bob"))
	if err != nil {
		return err
	}
	log.Info("alice encrypted room message", "index", index)

	plaintext, recvIndex, err := bob.coordinator.RoomReceive(roomID, sessionID, ciphertext, "$event1", time.Now())
	if err != nil {
		return err
	}
	log.Info("bob decrypted room message", "plaintext", string(plaintext), "index", recvIndex)

	return nil
}

type demoDevice struct {
	userID, deviceID string
	coordinator      *crypto.EncryptionCoordinator
}

func newDemoDevice(ctx context.Context, log *slog.Logger, appCfg *config.Config, relay *Relay, userID, deviceID string) (*demoDevice, error) {
	keyDir := filepath.Join(appCfg.CryptoDBPath, deviceID)
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}

	pickle, err := loadOrCreatePicklingKey(deviceID)
	if err != nil {
		return nil, err
	}

	cfg := crypto.CoordinatorConfig{
		UserID:         userID,
		DeviceID:       deviceID,
		KeyStoreDir:    keyDir,
		PicklingKey:    &pickle,
		RotationPolicy: crypto.DefaultRotationPolicy(),
	}

	transport := relay.Register(userID, deviceID)
	sink := &loggingVerificationSink{log: log, who: deviceID}

	coordinator, err := crypto.Setup(ctx, cfg, transport, sink, log)
	if err != nil {
		return nil, err
	}
	if err := credentials.AddKnownUser(userID); err != nil {
		log.Warn("failed to record known user", "user", userID, "err", err)
	}
	return &demoDevice{userID: userID, deviceID: deviceID, coordinator: coordinator}, nil
}

// loadOrCreatePicklingKey fetches deviceID's PicklingKey from the OS
// keyring, generating and storing a fresh one on first run. This is the
// keyring-backed PicklingKeyProvider: KeyStoreDir holds the encrypted
// pickles, the keyring holds the key that unlocks them.
func loadOrCreatePicklingKey(deviceID string) (crypto.PicklingKey, error) {
	if stored, err := credentials.LoadPicklingKey(deviceID); err == nil {
		raw, err := base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return crypto.PicklingKey{}, err
		}
		return crypto.PicklingKeyFromBytes(raw)
	}

	raw := make([]byte, crypto.PicklingKeySize)
	if _, err := rand.Read(raw); err != nil {
		return crypto.PicklingKey{}, err
	}
	if err := credentials.StorePicklingKey(deviceID, base64.StdEncoding.EncodeToString(raw)); err != nil {
		return crypto.PicklingKey{}, err
	}
	return crypto.PicklingKeyFromBytes(raw)
}
