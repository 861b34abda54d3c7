package crypto

import (
	"bytes"
	"testing"
)

func testOracle(t *testing.T) CryptoOracle {
	t.Helper()
	key, err := NewPicklingKey()
	if err != nil {
		t.Fatalf("NewPicklingKey: %v", err)
	}
	return NewOracle(&key)
}

func TestGenerateIdentityRoundTrips(t *testing.T) {
	o := testOracle(t)
	curvePub, edPub, pickle, err := o.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	if curvePub == "" || edPub == "" || len(pickle) == 0 {
		t.Fatalf("expected non-empty identity material")
	}

	keys, newPickle, err := o.GenerateOneTimeKeys(pickle, 3)
	if err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 one-time keys, got %d", len(keys))
	}
	for _, k := range keys {
		if k.KeyID == "" || k.Key == "" || k.Signature == "" {
			t.Fatalf("one-time key missing fields: %+v", k)
		}
	}

	if _, err := o.MarkKeysAsPublished(newPickle); err != nil {
		t.Fatalf("MarkKeysAsPublished: %v", err)
	}
}

func TestOlmSessionHandshakeAndMessageExchange(t *testing.T) {
	alice := testOracle(t)
	bob := testOracle(t)

	aliceCurvePub, _, alicePickle, err := alice.GenerateIdentity()
	if err != nil {
		t.Fatalf("alice GenerateIdentity: %v", err)
	}
	bobCurvePub, _, bobPickle, err := bob.GenerateIdentity()
	if err != nil {
		t.Fatalf("bob GenerateIdentity: %v", err)
	}

	bobKeys, bobPickle, err := bob.GenerateOneTimeKeys(bobPickle, 1)
	if err != nil {
		t.Fatalf("bob GenerateOneTimeKeys: %v", err)
	}

	aliceSession, err := alice.CreateOutboundSession(alicePickle, bobCurvePub, bobKeys[0].Key)
	if err != nil {
		t.Fatalf("CreateOutboundSession: %v", err)
	}

	plaintext1 := []byte("hello bob, this is alice")
	aliceSession, msgType, ciphertext1, err := alice.Encrypt(aliceSession, plaintext1)
	if err != nil {
		t.Fatalf("alice Encrypt: %v", err)
	}
	if msgType != MessageTypePreKey {
		t.Fatalf("expected first message to be a pre-key message, got %v", msgType)
	}

	_, bobSession, decrypted1, err := bob.CreateInboundSession(bobPickle, aliceCurvePub, ciphertext1)
	if err != nil {
		t.Fatalf("CreateInboundSession: %v", err)
	}
	if !bytes.Equal(decrypted1, plaintext1) {
		t.Fatalf("inbound session plaintext mismatch: got %q, want %q", decrypted1, plaintext1)
	}

	plaintext2 := []byte("hi alice, bob here")
	bobSession, msgType2, ciphertext2, err := bob.Encrypt(bobSession, plaintext2)
	if err != nil {
		t.Fatalf("bob Encrypt: %v", err)
	}
	if msgType2 != MessageTypeNormal {
		t.Fatalf("expected bob's reply to be a normal message, got %v", msgType2)
	}

	aliceSession, decrypted2, err := alice.Decrypt(aliceSession, msgType2, ciphertext2)
	if err != nil {
		t.Fatalf("alice Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted2, plaintext2) {
		t.Fatalf("alice's decrypted reply mismatch: got %q, want %q", decrypted2, plaintext2)
	}

	plaintext3 := []byte("second message from alice")
	aliceSession, msgType3, ciphertext3, err := alice.Encrypt(aliceSession, plaintext3)
	if err != nil {
		t.Fatalf("alice second Encrypt: %v", err)
	}
	if msgType3 != MessageTypeNormal {
		t.Fatalf("expected alice's second message to be normal after receiving a reply, got %v", msgType3)
	}

	_, decrypted3, err := bob.Decrypt(bobSession, msgType3, ciphertext3)
	if err != nil {
		t.Fatalf("bob Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted3, plaintext3) {
		t.Fatalf("bob's second decrypt mismatch: got %q, want %q", decrypted3, plaintext3)
	}
}

func TestOlmDecryptRejectsTamperedCiphertext(t *testing.T) {
	alice := testOracle(t)
	bob := testOracle(t)

	aliceCurvePub, _, alicePickle, _ := alice.GenerateIdentity()
	bobCurvePub, _, bobPickle, _ := bob.GenerateIdentity()
	bobKeys, bobPickle, _ := bob.GenerateOneTimeKeys(bobPickle, 1)

	aliceSession, err := alice.CreateOutboundSession(alicePickle, bobCurvePub, bobKeys[0].Key)
	if err != nil {
		t.Fatalf("CreateOutboundSession: %v", err)
	}

	_, _, ciphertext, err := alice.Encrypt(aliceSession, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := ciphertext[:len(ciphertext)-4] + "AAAA"
	if _, _, _, err := bob.CreateInboundSession(bobPickle, aliceCurvePub, tampered); err == nil {
		t.Fatalf("expected tampered pre-key ciphertext to fail to decrypt")
	}
}

func TestMegolmGroupSessionRoundTrip(t *testing.T) {
	o := testOracle(t)

	outPickle, sessionID, sessionKey, err := o.CreateOutboundGroup()
	if err != nil {
		t.Fatalf("CreateOutboundGroup: %v", err)
	}
	if sessionID == "" || sessionKey == "" {
		t.Fatalf("expected non-empty session id/key")
	}

	inPickle, importedID, err := o.ImportInboundGroup(sessionKey)
	if err != nil {
		t.Fatalf("ImportInboundGroup: %v", err)
	}
	if importedID != sessionID {
		t.Fatalf("session id mismatch: outbound %q, inbound %q", sessionID, importedID)
	}

	plaintext1 := []byte("room message one")
	outPickle, ciphertext1, index1, err := o.GroupEncrypt(outPickle, plaintext1)
	if err != nil {
		t.Fatalf("GroupEncrypt: %v", err)
	}
	if index1 != 0 {
		t.Fatalf("expected first message index 0, got %d", index1)
	}

	inPickle, decrypted1, gotIndex1, err := o.GroupDecrypt(inPickle, ciphertext1)
	if err != nil {
		t.Fatalf("GroupDecrypt: %v", err)
	}
	if gotIndex1 != index1 || !bytes.Equal(decrypted1, plaintext1) {
		t.Fatalf("GroupDecrypt mismatch: index=%d plaintext=%q", gotIndex1, decrypted1)
	}

	plaintext2 := []byte("room message two")
	_, ciphertext2, index2, err := o.GroupEncrypt(outPickle, plaintext2)
	if err != nil {
		t.Fatalf("GroupEncrypt second message: %v", err)
	}
	if index2 != 1 {
		t.Fatalf("expected second message index 1, got %d", index2)
	}

	_, decrypted2, _, err := o.GroupDecrypt(inPickle, ciphertext2)
	if err != nil {
		t.Fatalf("GroupDecrypt second message: %v", err)
	}
	if !bytes.Equal(decrypted2, plaintext2) {
		t.Fatalf("second plaintext mismatch: got %q, want %q", decrypted2, plaintext2)
	}
}

func TestMegolmGroupDecryptRejectsPriorIndex(t *testing.T) {
	o := testOracle(t)

	outPickle, _, sessionKey, _ := o.CreateOutboundGroup()
	inPickle, _, err := o.ImportInboundGroup(sessionKey)
	if err != nil {
		t.Fatalf("ImportInboundGroup: %v", err)
	}

	_, ct1, _, err := o.GroupEncrypt(outPickle, []byte("first"))
	if err != nil {
		t.Fatalf("GroupEncrypt: %v", err)
	}
	inPickle, _, _, err = o.GroupDecrypt(inPickle, ct1)
	if err != nil {
		t.Fatalf("GroupDecrypt: %v", err)
	}

	// Re-decrypting index 0 after the ratchet has advanced past it must fail:
	// a one-way hash ratchet cannot reconstruct a key it has already discarded.
	if _, _, _, err := o.GroupDecrypt(inPickle, ct1); err == nil {
		t.Fatalf("expected decrypt of an already-consumed index to fail")
	}
}
