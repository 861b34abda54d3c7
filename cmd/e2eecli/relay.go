package main

import (
	"context"
	"fmt"
	"sync"

	"arko-chat/e2eecore/internal/crypto"
)

// Relay is an in-process stand-in for the homeserver endpoints
// EncryptionCoordinator talks to: /keys/upload, /keys/query, /keys/claim
// and /sendToDevice. The real HTTP transport is an external collaborator
// (spec.md §1), so this binary demonstrates the core's wiring end to end
// without a network by routing every call through shared maps instead of
// a live homeserver.
type Relay struct {
	mu sync.Mutex

	devices   map[string]map[string]crypto.DeviceKeys // userID -> deviceID -> keys
	otks      map[string]map[string][]crypto.OneTimeKey
	mailboxes map[string][]crypto.ToDeviceEvent // "userID|deviceID" -> queued events
}

func NewRelay() *Relay {
	return &Relay{
		devices:   make(map[string]map[string]crypto.DeviceKeys),
		otks:      make(map[string]map[string][]crypto.OneTimeKey),
		mailboxes: make(map[string][]crypto.ToDeviceEvent),
	}
}

// Register returns a Transport scoped to one (userID, deviceID), backed
// by this shared relay.
func (r *Relay) Register(userID, deviceID string) *deviceTransport {
	return &deviceTransport{relay: r, userID: userID, deviceID: deviceID}
}

// Drain pops every queued to-device event for (userID, deviceID), in
// arrival order, for the caller to feed into the next OnSyncSuccess.
func (r *Relay) Drain(userID, deviceID string) []crypto.ToDeviceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := userID + "|" + deviceID
	events := r.mailboxes[key]
	delete(r.mailboxes, key)
	return events
}

type deviceTransport struct {
	relay            *Relay
	userID, deviceID string
}

func (t *deviceTransport) UploadKeys(ctx context.Context, upload crypto.DeviceKeysUpload) error {
	t.relay.mu.Lock()
	defer t.relay.mu.Unlock()

	if t.relay.devices[upload.UserID] == nil {
		t.relay.devices[upload.UserID] = make(map[string]crypto.DeviceKeys)
	}
	t.relay.devices[upload.UserID][upload.DeviceID] = upload.DeviceKeys

	if t.relay.otks[upload.UserID] == nil {
		t.relay.otks[upload.UserID] = make(map[string][]crypto.OneTimeKey)
	}
	for _, k := range upload.OneTimeKeys {
		t.relay.otks[upload.UserID][upload.DeviceID] = append(t.relay.otks[upload.UserID][upload.DeviceID], k)
	}
	return nil
}

func (t *deviceTransport) QueryKeys(ctx context.Context, users []string) (crypto.QueryKeysResult, error) {
	t.relay.mu.Lock()
	defer t.relay.mu.Unlock()

	result := crypto.QueryKeysResult{DeviceKeys: make(map[string]map[string]crypto.DeviceKeys)}
	for _, u := range users {
		if devs, ok := t.relay.devices[u]; ok {
			copied := make(map[string]crypto.DeviceKeys, len(devs))
			for d, k := range devs {
				copied[d] = k
			}
			result.DeviceKeys[u] = copied
		}
	}
	return result, nil
}

func (t *deviceTransport) ClaimKeys(ctx context.Context, requests map[string]string) (crypto.ClaimKeysResult, error) {
	t.relay.mu.Lock()
	defer t.relay.mu.Unlock()

	result := crypto.ClaimKeysResult{OneTimeKeys: make(map[string]map[string]crypto.OneTimeKey)}
	for recipient := range requests {
		userID, deviceID, err := splitRecipient(recipient)
		if err != nil {
			continue
		}
		pool := t.relay.otks[userID][deviceID]
		if len(pool) == 0 {
			continue
		}
		claimed := pool[0]
		t.relay.otks[userID][deviceID] = pool[1:]

		if result.OneTimeKeys[userID] == nil {
			result.OneTimeKeys[userID] = make(map[string]crypto.OneTimeKey)
		}
		result.OneTimeKeys[userID][deviceID] = claimed
	}
	return result, nil
}

func (t *deviceTransport) SendToDevice(ctx context.Context, events []crypto.OutgoingToDeviceEvent) error {
	t.relay.mu.Lock()
	defer t.relay.mu.Unlock()

	for _, e := range events {
		key := e.UserID + "|" + e.DeviceID
		t.relay.mailboxes[key] = append(t.relay.mailboxes[key],
			crypto.NewToDeviceEvent(t.userID+"|"+t.deviceID, e.Type, e.Content))
	}
	return nil
}

func splitRecipient(s string) (userID, deviceID string, err error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '|' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed recipient key %q", s)
}
