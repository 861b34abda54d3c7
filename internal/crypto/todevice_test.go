package crypto

import (
	"encoding/json"
	"testing"
)

type fakeVerificationSink struct {
	events []ToDeviceEvent
}

func (f *fakeVerificationSink) HandleVerificationEvent(evt ToDeviceEvent) {
	f.events = append(f.events, evt)
}

func roomKeyEnvelope(t *testing.T, roomID, sessionID, sessionKey string) json.RawMessage {
	t.Helper()
	content, err := json.Marshal(roomKeyContent{
		Algorithm:  "m.megolm.v1.aes-sha2",
		RoomID:     roomID,
		SessionID:  sessionID,
		SessionKey: sessionKey,
	})
	if err != nil {
		t.Fatalf("marshal room key content: %v", err)
	}
	env, err := json.Marshal(innerEventEnvelope{Type: "m.room_key", Content: content})
	if err != nil {
		t.Fatalf("marshal inner envelope: %v", err)
	}
	return env
}

func encryptedToDeviceEvent(t *testing.T, senderKey, recipientKey string, msgType MessageType, ciphertext string) ToDeviceEvent {
	t.Helper()
	content, err := json.Marshal(encryptedContent{
		Algorithm: "m.olm.v1.curve25519-aes-sha2",
		SenderKey: senderKey,
		Ciphertext: map[string]olmCiphertextEntry{
			recipientKey: {Type: msgType, Body: ciphertext},
		},
	})
	if err != nil {
		t.Fatalf("marshal encrypted content: %v", err)
	}
	return ToDeviceEvent{Kind: ToDeviceKindEncrypted, Type: "m.room.encrypted", Sender: "bob", Content: content}
}

// TestToDevicePipelinePendingDrain covers scenario S7: a normal-ratchet
// olm message referencing a room key arrives before the pre-key message
// that establishes the session, is buffered, and is drained (in order)
// once the pre-key message establishes the session later in the same
// batch.
func TestToDevicePipelinePendingDrain(t *testing.T) {
	alice := newOlmParty(t)
	bob := newOlmParty(t)

	bobMegolm := NewMegolmManager(bob.store, bob.oracle, testLogger(), DefaultRotationPolicy())

	roomAKeyID, roomAKey, _, err := bobMegolm.EnsureOutbound("!roomA", nil)
	if err != nil {
		t.Fatalf("EnsureOutbound roomA: %v", err)
	}
	roomBKeyID, roomBKey, _, err := bobMegolm.EnsureOutbound("!roomB", []recipientKey{{UserID: "alice", DeviceID: "D1"}})
	if err != nil {
		t.Fatalf("EnsureOutbound roomB: %v", err)
	}

	// First olm message bob sends becomes the pre-key message
	// (establishes the session); the second becomes a normal message.
	msgType1, ciphertext1, err := bob.mgr.EncryptTo(alice.curve, roomKeyEnvelope(t, "!roomA", roomAKeyID, roomAKey))
	if err != nil {
		t.Fatalf("EncryptTo (roomA): %v", err)
	}
	if msgType1 != MessageTypePreKey {
		t.Fatalf("expected first message to be pre-key, got %v", msgType1)
	}

	msgType2, ciphertext2, err := bob.mgr.EncryptTo(alice.curve, roomKeyEnvelope(t, "!roomB", roomBKeyID, roomBKey))
	if err != nil {
		t.Fatalf("EncryptTo (roomB): %v", err)
	}
	if msgType2 != MessageTypeNormal {
		t.Fatalf("expected second message to be normal, got %v", msgType2)
	}

	eventA := encryptedToDeviceEvent(t, bob.curve, alice.curve, msgType1, ciphertext1)
	eventB := encryptedToDeviceEvent(t, bob.curve, alice.curve, msgType2, ciphertext2)

	aliceMegolm := NewMegolmManager(alice.store, alice.oracle, testLogger(), DefaultRotationPolicy())
	sink := &fakeVerificationSink{}
	pipeline := NewToDevicePipeline(alice.mgr, aliceMegolm, sink, alice.curve, 8, testLogger())

	// Deliver out of order: the normal message (roomB) arrives first.
	newPickle, stats, err := pipeline.Dispatch(alice.pickle, []ToDeviceEvent{eventB, eventA})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	alice.pickle = newPickle

	if stats.Buffered != 1 {
		t.Fatalf("expected the reordered normal message to be buffered once, got %d", stats.Buffered)
	}
	if stats.Drained != 1 {
		t.Fatalf("expected the buffered message to drain once the session was established, got %d", stats.Drained)
	}
	if pipeline.PendingCount(bob.curve) != 0 {
		t.Fatalf("expected no events left pending after drain")
	}

	if _, ok := aliceMegolm.inbound.Load(megolmKey{roomID: "!roomA", sessionID: roomAKeyID}); !ok {
		t.Fatalf("expected roomA's key to be accepted")
	}
	if _, ok := aliceMegolm.inbound.Load(megolmKey{roomID: "!roomB", sessionID: roomBKeyID}); !ok {
		t.Fatalf("expected roomB's key to be accepted after drain")
	}
}

func TestToDevicePipelineDispatchesVerificationEventsDirectly(t *testing.T) {
	alice := newOlmParty(t)
	aliceMegolm := NewMegolmManager(alice.store, alice.oracle, testLogger(), DefaultRotationPolicy())
	sink := &fakeVerificationSink{}
	pipeline := NewToDevicePipeline(alice.mgr, aliceMegolm, sink, alice.curve, 8, testLogger())

	evt := ToDeviceEvent{Kind: ToDeviceKindVerificationRequest, Type: "m.key.verification.request", Sender: "bob"}
	if _, stats, err := pipeline.Dispatch(alice.pickle, []ToDeviceEvent{evt}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	} else if stats.Verification != 1 {
		t.Fatalf("expected one verification event counted, got %d", stats.Verification)
	}

	if len(sink.events) != 1 || sink.events[0].Type != "m.key.verification.request" {
		t.Fatalf("expected the verification event to reach the sink unchanged, got %+v", sink.events)
	}
}

func TestToDevicePipelineDropsMalformedEncryptedEvent(t *testing.T) {
	alice := newOlmParty(t)
	aliceMegolm := NewMegolmManager(alice.store, alice.oracle, testLogger(), DefaultRotationPolicy())
	sink := &fakeVerificationSink{}
	pipeline := NewToDevicePipeline(alice.mgr, aliceMegolm, sink, alice.curve, 8, testLogger())

	evt := ToDeviceEvent{Kind: ToDeviceKindEncrypted, Type: "m.room.encrypted", Content: json.RawMessage(`not json`)}
	if _, stats, err := pipeline.Dispatch(alice.pickle, []ToDeviceEvent{evt}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	} else if stats.Dropped != 1 {
		t.Fatalf("expected the malformed event to be dropped, got stats %+v", stats)
	}
}

func TestToDevicePipelineBufferOverflowDropsOldest(t *testing.T) {
	alice := newOlmParty(t)
	bob := newOlmParty(t)
	aliceMegolm := NewMegolmManager(alice.store, alice.oracle, testLogger(), DefaultRotationPolicy())
	sink := &fakeVerificationSink{}
	pipeline := NewToDevicePipeline(alice.mgr, aliceMegolm, sink, alice.curve, 2, testLogger())

	// None of these establish a session (no pre-key message is ever sent),
	// so every one of these fabricated normal-type messages buffers and
	// the cap forces the oldest out.
	var events []ToDeviceEvent
	for i := 0; i < 3; i++ {
		events = append(events, encryptedToDeviceEvent(t, bob.curve, alice.curve, MessageTypeNormal, "bogus-ciphertext"))
	}

	if _, stats, err := pipeline.Dispatch(alice.pickle, events); err != nil {
		t.Fatalf("Dispatch: %v", err)
	} else if stats.Buffered != 3 {
		t.Fatalf("expected all 3 events counted as buffered attempts, got %d", stats.Buffered)
	}

	if pipeline.PendingCount(bob.curve) != 2 {
		t.Fatalf("expected the buffer to be capped at 2, got %d", pipeline.PendingCount(bob.curve))
	}
}
