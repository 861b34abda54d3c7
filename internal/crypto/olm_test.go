package crypto

import (
	"testing"
)

type olmParty struct {
	oracle CryptoOracle
	store  *KeyStore
	mgr    *OlmSessionManager
	pickle []byte
	curve  string
	ed     string
}

func newOlmParty(t *testing.T) *olmParty {
	t.Helper()
	key, err := NewPicklingKey()
	if err != nil {
		t.Fatalf("NewPicklingKey: %v", err)
	}
	oracle := NewOracle(&key)
	store := openTestKeyStore(t)

	curve, ed, pickle, err := oracle.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	return &olmParty{
		oracle: oracle,
		store:  store,
		mgr:    NewOlmSessionManager(store, oracle, testLogger()),
		pickle: pickle,
		curve:  curve,
		ed:     ed,
	}
}

func TestOlmSessionManagerHandshakeAndReordering(t *testing.T) {
	alice := newOlmParty(t)
	bob := newOlmParty(t)

	otks, newBobPickle, err := bob.oracle.GenerateOneTimeKeys(bob.pickle, 1)
	if err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	bob.pickle = newBobPickle

	if alice.mgr.HasSession(bob.curve) {
		t.Fatalf("expected no session before CreateOutbound")
	}

	sessionID, err := alice.mgr.CreateOutbound(alice.pickle, "bob", "DEVICE1", bob.curve, otks)
	if err != nil {
		t.Fatalf("CreateOutbound: %v", err)
	}
	if sessionID == "" {
		t.Fatalf("expected a non-empty session ID")
	}
	if !alice.mgr.HasSession(bob.curve) {
		t.Fatalf("expected a session to exist after CreateOutbound")
	}
	if !alice.mgr.WasTried("bob", "DEVICE1") {
		t.Fatalf("expected bob/DEVICE1 to be marked tried")
	}

	msgType, ciphertext, err := alice.mgr.EncryptTo(bob.curve, []byte("hello bob"))
	if err != nil {
		t.Fatalf("EncryptTo: %v", err)
	}
	if msgType != MessageTypePreKey {
		t.Fatalf("expected first message to be a pre-key message, got %v", msgType)
	}

	plaintext, newBobAccountPickle, err := bob.mgr.DecryptPreKey(bob.pickle, alice.curve, ciphertext)
	if err != nil {
		t.Fatalf("DecryptPreKey: %v", err)
	}
	bob.pickle = newBobAccountPickle
	if string(plaintext) != "hello bob" {
		t.Fatalf("got plaintext %q, want %q", plaintext, "hello bob")
	}
	if !bob.mgr.HasSession(alice.curve) {
		t.Fatalf("expected bob to have an inbound session for alice after DecryptPreKey")
	}

	replyType, replyCiphertext, err := bob.mgr.EncryptTo(alice.curve, []byte("hi alice"))
	if err != nil {
		t.Fatalf("bob EncryptTo: %v", err)
	}
	if replyType != MessageTypeNormal {
		t.Fatalf("expected bob's reply to use the established ratchet (normal message), got %v", replyType)
	}

	replyPlaintext, err := alice.mgr.DecryptNormal(bob.curve, replyCiphertext)
	if err != nil {
		t.Fatalf("alice DecryptNormal: %v", err)
	}
	if string(replyPlaintext) != "hi alice" {
		t.Fatalf("got reply plaintext %q, want %q", replyPlaintext, "hi alice")
	}
}

func TestOlmSessionManagerCreateOutboundRejectsUnsignedKeys(t *testing.T) {
	alice := newOlmParty(t)
	bob := newOlmParty(t)

	badKeys := []OneTimeKey{{KeyID: "AAAAAQ", Key: "somekey", Signature: ""}}
	if _, err := alice.mgr.CreateOutbound(alice.pickle, "bob", "DEVICE1", bob.curve, badKeys); err == nil {
		t.Fatalf("expected an error when no candidate key is signed")
	}
	if !alice.mgr.WasTried("bob", "DEVICE1") {
		t.Fatalf("expected bob/DEVICE1 to be marked tried even on failure")
	}
}

func TestOlmSessionManagerLoadSessionsRestoresState(t *testing.T) {
	alice := newOlmParty(t)
	bob := newOlmParty(t)

	otks, newBobPickle, err := bob.oracle.GenerateOneTimeKeys(bob.pickle, 1)
	if err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	bob.pickle = newBobPickle

	if _, err := alice.mgr.CreateOutbound(alice.pickle, "bob", "DEVICE1", bob.curve, otks); err != nil {
		t.Fatalf("CreateOutbound: %v", err)
	}

	reloaded := NewOlmSessionManager(alice.store, alice.oracle, testLogger())
	if reloaded.HasSession(bob.curve) {
		t.Fatalf("expected no session before LoadSessions")
	}
	if err := reloaded.LoadSessions(); err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if !reloaded.HasSession(bob.curve) {
		t.Fatalf("expected session to be restored after LoadSessions")
	}
}
