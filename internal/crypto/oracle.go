package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// MessageType distinguishes an Olm pre-key message (the first ciphertext
// of an outbound session, embedding the X3DH handshake material) from a
// normal message on an already-established session.
type MessageType int

const (
	MessageTypePreKey MessageType = iota
	MessageTypeNormal
)

// OneTimeKey is a signed, published one-time public key.
type OneTimeKey struct {
	KeyID     string
	Key       string // base64 curve25519 public key
	Signature string // base64 ed25519 signature over the key
}

// CryptoOracle is the thin, deterministic facade over the Olm/Megolm
// primitive library. Every call takes the caller's current pickle and
// returns the next one; no method retains state between calls. This
// keeps the oracle itself stateless and lets every other component
// (OlmSessionManager, MegolmManager, KeyStore) own the pickle lifecycle.
type CryptoOracle interface {
	GenerateIdentity() (curvePub, edPub string, pickle []byte, err error)
	GenerateOneTimeKeys(pickle []byte, n int) (keys []OneTimeKey, newPickle []byte, err error)
	MarkKeysAsPublished(pickle []byte) ([]byte, error)
	SignJSON(pickle []byte, obj any) (signature string, err error)

	CreateOutboundSession(accountPickle []byte, theirIdentityKey, theirOneTimeKey string) (sessionPickle []byte, err error)
	CreateInboundSession(accountPickle []byte, theirIdentityKey string, preKeyCiphertext string) (newAccountPickle, sessionPickle, plaintext []byte, err error)
	Encrypt(sessionPickle []byte, plaintext []byte) (newPickle []byte, msgType MessageType, ciphertext string, err error)
	Decrypt(sessionPickle []byte, msgType MessageType, ciphertext string) (newPickle, plaintext []byte, err error)

	CreateOutboundGroup() (sessionPickle []byte, sessionID, sessionKey string, err error)
	ImportInboundGroup(sessionKey string) (sessionPickle []byte, sessionID string, err error)
	GroupEncrypt(sessionPickle []byte, plaintext []byte) (newPickle []byte, ciphertext string, index uint32, err error)
	GroupDecrypt(sessionPickle []byte, ciphertext string) (newPickle, plaintext []byte, index uint32, err error)
}

// x25519Oracle implements CryptoOracle over golang.org/x/crypto's
// curve25519/chacha20poly1305/hkdf primitives and the standard library's
// crypto/ed25519. It realizes an
// X3DH-shaped handshake (identity key + ephemeral key + one-time key)
// feeding a pair of one-way HMAC ratchets, one per direction, for the
// Olm session, and a single one-way HMAC ratchet plus an Ed25519
// signature over each ciphertext for the Megolm group session. See
// DESIGN.md for why this is a from-scratch pure-Go oracle rather than a
// wrapper around a vendored libolm binding.
type x25519Oracle struct {
	picklingKey *PicklingKey
}

// NewOracle returns the production CryptoOracle. Every pickle it hands
// back is itself sealed under key, so no plaintext ratchet state ever
// leaves the oracle.
func NewOracle(key *PicklingKey) CryptoOracle {
	return &x25519Oracle{picklingKey: key}
}

const (
	hkdfInfoOlmRoot = "matrix-olm-root-v1"
	ratchetMsgByte  = 0x01
	ratchetNextByte = 0x02
)

type accountState struct {
	CurvePriv   [32]byte            `json:"curve_priv"`
	CurvePub    [32]byte            `json:"curve_pub"`
	EdPriv      []byte              `json:"ed_priv"`
	EdPub       []byte              `json:"ed_pub"`
	OneTimeKeys map[string]otkState `json:"one_time_keys"`
	NextOTKSeq  int                 `json:"next_otk_seq"`
	Published   map[string]bool     `json:"published"`
}

type otkState struct {
	Priv [32]byte `json:"priv"`
	Pub  [32]byte `json:"pub"`
}

func (o *x25519Oracle) GenerateIdentity() (string, string, []byte, error) {
	var curvePriv [32]byte
	if _, err := rand.Read(curvePriv[:]); err != nil {
		return "", "", nil, newOlmError(ErrKindOOM, err)
	}
	curvePub, err := curve25519.X25519(curvePriv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", nil, newOlmError(ErrKindBadMAC, err)
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", nil, newOlmError(ErrKindOOM, err)
	}

	acct := accountState{
		EdPriv:      edPriv,
		EdPub:       edPub,
		OneTimeKeys: map[string]otkState{},
		Published:   map[string]bool{},
	}
	copy(acct.CurvePriv[:], curvePriv[:])
	copy(acct.CurvePub[:], curvePub)

	pickle, err := o.sealAccount(&acct)
	if err != nil {
		return "", "", nil, err
	}
	return b64(acct.CurvePub[:]), b64(edPub), pickle, nil
}

func (o *x25519Oracle) GenerateOneTimeKeys(pickle []byte, n int) ([]OneTimeKey, []byte, error) {
	acct, err := o.openAccount(pickle)
	if err != nil {
		return nil, nil, err
	}

	out := make([]OneTimeKey, 0, n)
	for i := 0; i < n; i++ {
		var priv [32]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, nil, newOlmError(ErrKindOOM, err)
		}
		pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			return nil, nil, newOlmError(ErrKindBadMAC, err)
		}
		acct.NextOTKSeq++
		keyID := fmt.Sprintf("OTK%d", acct.NextOTKSeq)
		var state otkState
		copy(state.Priv[:], priv[:])
		copy(state.Pub[:], pub)
		acct.OneTimeKeys[keyID] = state

		sig, err := o.signBytes(acct.EdPriv, pub)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, OneTimeKey{KeyID: keyID, Key: b64(pub), Signature: sig})
	}

	newPickle, err := o.sealAccount(acct)
	if err != nil {
		return nil, nil, err
	}
	return out, newPickle, nil
}

func (o *x25519Oracle) MarkKeysAsPublished(pickle []byte) ([]byte, error) {
	acct, err := o.openAccount(pickle)
	if err != nil {
		return nil, err
	}
	for id := range acct.OneTimeKeys {
		acct.Published[id] = true
	}
	return o.sealAccount(acct)
}

func (o *x25519Oracle) SignJSON(pickle []byte, obj any) (string, error) {
	acct, err := o.openAccount(pickle)
	if err != nil {
		return "", err
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("canonicalize json: %w", err)
	}
	return o.signBytes(acct.EdPriv, canonical)
}

func (o *x25519Oracle) signBytes(edPriv ed25519.PrivateKey, data []byte) (string, error) {
	sig := ed25519.Sign(edPriv, data)
	return b64(sig), nil
}

type olmSessionState struct {
	Initiator         bool     `json:"initiator"`
	OurIdentityPub    [32]byte `json:"our_identity_pub"`
	OurEphemeralPub   [32]byte `json:"our_ephemeral_pub,omitempty"`
	TheirIdentityPub  [32]byte `json:"their_identity_pub"`
	UsedOneTimeKeyPub [32]byte `json:"used_one_time_key_pub,omitempty"`
	SendChainKey      [32]byte `json:"send_chain_key"`
	SendIndex         uint32   `json:"send_index"`
	RecvChainKey      [32]byte `json:"recv_chain_key"`
	RecvIndex         uint32   `json:"recv_index"`
	NeedsPreKey       bool     `json:"needs_pre_key"`
}

type preKeyEnvelope struct {
	IdentityKey  string `json:"identity_key"`
	EphemeralKey string `json:"ephemeral_key"`
	OneTimeKey   string `json:"one_time_key"`
	Body         string `json:"body"`
}

func deriveX3DHChains(dh1, dh2, dh3 []byte) (chainAB, chainBA [32]byte, err error) {
	ikm := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	r := hkdf.New(sha256.New, ikm, nil, []byte(hkdfInfoOlmRoot))
	var out [96]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return chainAB, chainBA, fmt.Errorf("hkdf expand: %w", err)
	}
	copy(chainAB[:], out[32:64])
	copy(chainBA[:], out[64:96])
	return chainAB, chainBA, nil
}

func (o *x25519Oracle) CreateOutboundSession(accountPickle []byte, theirIdentityKey, theirOneTimeKey string) ([]byte, error) {
	acct, err := o.openAccount(accountPickle)
	if err != nil {
		return nil, err
	}
	theirIdPub, err := unb64Fixed(theirIdentityKey)
	if err != nil {
		return nil, newOlmError(ErrKindCorruptedPickle, err)
	}
	theirOTKPub, err := unb64Fixed(theirOneTimeKey)
	if err != nil {
		return nil, newOlmError(ErrKindCorruptedPickle, err)
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, newOlmError(ErrKindOOM, err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, newOlmError(ErrKindBadMAC, err)
	}

	dh1, err := curve25519.X25519(acct.CurvePriv[:], theirOTKPub[:])
	if err != nil {
		return nil, newOlmError(ErrKindBadMAC, err)
	}
	dh2, err := curve25519.X25519(ephPriv[:], theirIdPub[:])
	if err != nil {
		return nil, newOlmError(ErrKindBadMAC, err)
	}
	dh3, err := curve25519.X25519(ephPriv[:], theirOTKPub[:])
	if err != nil {
		return nil, newOlmError(ErrKindBadMAC, err)
	}

	chainAB, chainBA, err := deriveX3DHChains(dh1, dh2, dh3)
	if err != nil {
		return nil, newOlmError(ErrKindBadMAC, err)
	}

	sess := olmSessionState{
		Initiator:         true,
		OurIdentityPub:    acct.CurvePub,
		TheirIdentityPub:  theirIdPub,
		UsedOneTimeKeyPub: theirOTKPub,
		SendChainKey:      chainAB,
		RecvChainKey:      chainBA,
		NeedsPreKey:       true,
	}
	copy(sess.OurEphemeralPub[:], ephPub)

	return o.sealSession(&sess)
}

func (o *x25519Oracle) CreateInboundSession(accountPickle []byte, theirIdentityKey string, preKeyCiphertext string) ([]byte, []byte, []byte, error) {
	acct, err := o.openAccount(accountPickle)
	if err != nil {
		return nil, nil, nil, err
	}

	envBytes, err := base64.StdEncoding.DecodeString(preKeyCiphertext)
	if err != nil {
		return nil, nil, nil, newOlmError(ErrKindCorruptedPickle, err)
	}
	var env preKeyEnvelope
	if err := json.Unmarshal(envBytes, &env); err != nil {
		return nil, nil, nil, newOlmError(ErrKindCorruptedPickle, err)
	}

	theirIdPub, err := unb64Fixed(env.IdentityKey)
	if err != nil {
		return nil, nil, nil, newOlmError(ErrKindCorruptedPickle, err)
	}
	theirEphPub, err := unb64Fixed(env.EphemeralKey)
	if err != nil {
		return nil, nil, nil, newOlmError(ErrKindCorruptedPickle, err)
	}
	usedOTKPub, err := unb64Fixed(env.OneTimeKey)
	if err != nil {
		return nil, nil, nil, newOlmError(ErrKindCorruptedPickle, err)
	}

	var otkPriv [32]byte
	var foundID string
	for id, state := range acct.OneTimeKeys {
		if state.Pub == usedOTKPub {
			otkPriv = state.Priv
			foundID = id
			break
		}
	}
	if foundID == "" {
		return nil, nil, nil, newOlmError(ErrKindUnknownMessageIndex, fmt.Errorf("one-time key not found or already consumed"))
	}

	dh1, err := curve25519.X25519(otkPriv[:], theirIdPub[:])
	if err != nil {
		return nil, nil, nil, newOlmError(ErrKindBadMAC, err)
	}
	dh2, err := curve25519.X25519(acct.CurvePriv[:], theirEphPub[:])
	if err != nil {
		return nil, nil, nil, newOlmError(ErrKindBadMAC, err)
	}
	dh3, err := curve25519.X25519(otkPriv[:], theirEphPub[:])
	if err != nil {
		return nil, nil, nil, newOlmError(ErrKindBadMAC, err)
	}

	chainAB, chainBA, err := deriveX3DHChains(dh1, dh2, dh3)
	if err != nil {
		return nil, nil, nil, newOlmError(ErrKindBadMAC, err)
	}

	sess := olmSessionState{
		Initiator:        false,
		OurIdentityPub:   acct.CurvePub,
		TheirIdentityPub: theirIdPub,
		SendChainKey:     chainBA,
		RecvChainKey:     chainAB,
	}
	copy(sess.UsedOneTimeKeyPub[:], usedOTKPub[:])

	plaintext, newRecv, newRecvIndex, err := ratchetDecrypt(sess.RecvChainKey, sess.RecvIndex, env.Body)
	if err != nil {
		return nil, nil, nil, err
	}
	sess.RecvChainKey = newRecv
	sess.RecvIndex = newRecvIndex

	delete(acct.OneTimeKeys, foundID)
	newAcctPickle, err := o.sealAccount(acct)
	if err != nil {
		return nil, nil, nil, err
	}
	sessPickle, err := o.sealSession(&sess)
	if err != nil {
		return nil, nil, nil, err
	}
	return newAcctPickle, sessPickle, plaintext, nil
}

func (o *x25519Oracle) Encrypt(sessionPickle []byte, plaintext []byte) ([]byte, MessageType, string, error) {
	sess, err := o.openSession(sessionPickle)
	if err != nil {
		return nil, 0, "", err
	}

	body, newChain, newIndex, err := ratchetEncrypt(sess.SendChainKey, sess.SendIndex, plaintext)
	if err != nil {
		return nil, 0, "", err
	}
	sess.SendChainKey = newChain
	sess.SendIndex = newIndex

	msgType := MessageTypeNormal
	ciphertext := body
	if sess.Initiator && sess.NeedsPreKey {
		msgType = MessageTypePreKey
		env := preKeyEnvelope{
			IdentityKey:  b64(sess.OurIdentityPub[:]),
			EphemeralKey: b64(sess.OurEphemeralPub[:]),
			OneTimeKey:   b64(sess.UsedOneTimeKeyPub[:]),
			Body:         body,
		}
		envBytes, err := json.Marshal(env)
		if err != nil {
			return nil, 0, "", fmt.Errorf("marshal prekey envelope: %w", err)
		}
		ciphertext = base64.StdEncoding.EncodeToString(envBytes)
	}

	newPickle, err := o.sealSession(sess)
	if err != nil {
		return nil, 0, "", err
	}
	return newPickle, msgType, ciphertext, nil
}

func (o *x25519Oracle) Decrypt(sessionPickle []byte, msgType MessageType, ciphertext string) ([]byte, []byte, error) {
	sess, err := o.openSession(sessionPickle)
	if err != nil {
		return nil, nil, err
	}

	body := ciphertext
	if msgType == MessageTypePreKey {
		envBytes, err := base64.StdEncoding.DecodeString(ciphertext)
		if err != nil {
			return nil, nil, newOlmError(ErrKindCorruptedPickle, err)
		}
		var env preKeyEnvelope
		if err := json.Unmarshal(envBytes, &env); err != nil {
			return nil, nil, newOlmError(ErrKindCorruptedPickle, err)
		}
		body = env.Body
	}

	plaintext, newRecv, newIndex, err := ratchetDecrypt(sess.RecvChainKey, sess.RecvIndex, body)
	if err != nil {
		return nil, nil, err
	}
	sess.RecvChainKey = newRecv
	sess.RecvIndex = newIndex
	if sess.Initiator {
		sess.NeedsPreKey = false
	}

	newPickle, err := o.sealSession(sess)
	if err != nil {
		return nil, nil, err
	}
	return newPickle, plaintext, nil
}

// ratchetStep derives (messageKey, nextChainKey) from chainKey via the
// same HMAC-based one-way ratchet Signal/Olm use for a hash chain.
func ratchetStep(chainKey [32]byte) (msgKey [32]byte, nextChain [32]byte) {
	mac := hmac.New(sha256.New, chainKey[:])
	mac.Write([]byte{ratchetMsgByte})
	copy(msgKey[:], mac.Sum(nil))

	mac = hmac.New(sha256.New, chainKey[:])
	mac.Write([]byte{ratchetNextByte})
	copy(nextChain[:], mac.Sum(nil))
	return
}

func ratchetEncrypt(chainKey [32]byte, index uint32, plaintext []byte) (ciphertext string, newChain [32]byte, newIndex uint32, err error) {
	msgKey, nextChain := ratchetStep(chainKey)
	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return "", chainKey, index, newOlmError(ErrKindBadMAC, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", chainKey, index, newOlmError(ErrKindOOM, err)
	}
	ad := make([]byte, 4)
	binary.BigEndian.PutUint32(ad, index)
	sealed := aead.Seal(nil, nonce, plaintext, ad)

	out := make([]byte, 4+len(nonce)+len(sealed))
	binary.BigEndian.PutUint32(out[:4], index)
	copy(out[4:4+len(nonce)], nonce)
	copy(out[4+len(nonce):], sealed)
	return base64.StdEncoding.EncodeToString(out), nextChain, index + 1, nil
}

func ratchetDecrypt(chainKey [32]byte, expectedIndex uint32, ciphertext string) (plaintext []byte, newChain [32]byte, newIndex uint32, err error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, chainKey, expectedIndex, newOlmError(ErrKindCorruptedPickle, err)
	}
	if len(raw) < 4 {
		return nil, chainKey, expectedIndex, newOlmError(ErrKindCorruptedPickle, fmt.Errorf("ciphertext too short"))
	}
	index := binary.BigEndian.Uint32(raw[:4])
	if index != expectedIndex {
		return nil, chainKey, expectedIndex, newOlmError(ErrKindUnknownMessageIndex, fmt.Errorf("expected index %d, got %d", expectedIndex, index))
	}

	msgKey, nextChain := ratchetStep(chainKey)
	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return nil, chainKey, expectedIndex, newOlmError(ErrKindBadMAC, err)
	}
	nonceSize := aead.NonceSize()
	if len(raw) < 4+nonceSize {
		return nil, chainKey, expectedIndex, newOlmError(ErrKindCorruptedPickle, fmt.Errorf("ciphertext too short"))
	}
	nonce := raw[4 : 4+nonceSize]
	sealed := raw[4+nonceSize:]
	ad := raw[:4]

	plaintext, err = aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, chainKey, expectedIndex, newOlmError(ErrKindBadMAC, err)
	}
	return plaintext, nextChain, index + 1, nil
}

type megolmState struct {
	ChainKey    [32]byte `json:"chain_key"`
	Index       uint32   `json:"index"`
	SigningPub  []byte   `json:"signing_pub"`
	SigningPriv []byte   `json:"signing_priv,omitempty"`
}

type megolmExport struct {
	ChainKey   [32]byte `json:"chain_key"`
	Index      uint32   `json:"index"`
	SigningPub []byte   `json:"signing_pub"`
}

func megolmSessionID(signingPub []byte) string {
	h := sha256.Sum256(signingPub)
	return base64.RawURLEncoding.EncodeToString(h[:16])
}

func (o *x25519Oracle) CreateOutboundGroup() ([]byte, string, string, error) {
	var chainKey [32]byte
	if _, err := rand.Read(chainKey[:]); err != nil {
		return nil, "", "", newOlmError(ErrKindOOM, err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", "", newOlmError(ErrKindOOM, err)
	}

	state := megolmState{ChainKey: chainKey, Index: 0, SigningPub: signPub, SigningPriv: signPriv}
	pickle, err := o.sealMegolm(&state)
	if err != nil {
		return nil, "", "", err
	}

	export := megolmExport{ChainKey: chainKey, Index: 0, SigningPub: signPub}
	exportBytes, err := json.Marshal(export)
	if err != nil {
		return nil, "", "", fmt.Errorf("marshal session key: %w", err)
	}

	return pickle, megolmSessionID(signPub), base64.StdEncoding.EncodeToString(exportBytes), nil
}

func (o *x25519Oracle) ImportInboundGroup(sessionKey string) ([]byte, string, error) {
	raw, err := base64.StdEncoding.DecodeString(sessionKey)
	if err != nil {
		return nil, "", newOlmError(ErrKindCorruptedPickle, err)
	}
	var export megolmExport
	if err := json.Unmarshal(raw, &export); err != nil {
		return nil, "", newOlmError(ErrKindCorruptedPickle, err)
	}

	state := megolmState{ChainKey: export.ChainKey, Index: export.Index, SigningPub: export.SigningPub}
	pickle, err := o.sealMegolm(&state)
	if err != nil {
		return nil, "", err
	}
	return pickle, megolmSessionID(export.SigningPub), nil
}

func (o *x25519Oracle) GroupEncrypt(sessionPickle []byte, plaintext []byte) ([]byte, string, uint32, error) {
	state, err := o.openMegolm(sessionPickle)
	if err != nil {
		return nil, "", 0, err
	}
	if len(state.SigningPriv) == 0 {
		return nil, "", 0, newOlmError(ErrKindBadMAC, fmt.Errorf("session has no signing key; not an outbound session"))
	}

	msgKey, nextChain := ratchetStep(state.ChainKey)
	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return nil, "", 0, newOlmError(ErrKindBadMAC, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", 0, newOlmError(ErrKindOOM, err)
	}
	ad := make([]byte, 4)
	binary.BigEndian.PutUint32(ad, state.Index)
	sealed := aead.Seal(nil, nonce, plaintext, ad)

	body := make([]byte, 4+len(nonce)+len(sealed))
	binary.BigEndian.PutUint32(body[:4], state.Index)
	copy(body[4:4+len(nonce)], nonce)
	copy(body[4+len(nonce):], sealed)

	sig := ed25519.Sign(ed25519.PrivateKey(state.SigningPriv), body)
	out := append(body, sig...)

	index := state.Index
	state.ChainKey = nextChain
	state.Index++

	newPickle, err := o.sealMegolm(state)
	if err != nil {
		return nil, "", 0, err
	}
	return newPickle, base64.StdEncoding.EncodeToString(out), index, nil
}

func (o *x25519Oracle) GroupDecrypt(sessionPickle []byte, ciphertext string) ([]byte, []byte, uint32, error) {
	state, err := o.openMegolm(sessionPickle)
	if err != nil {
		return nil, nil, 0, err
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, nil, 0, newOlmError(ErrKindCorruptedPickle, err)
	}
	if len(raw) < ed25519.SignatureSize+4 {
		return nil, nil, 0, newOlmError(ErrKindCorruptedPickle, fmt.Errorf("ciphertext too short"))
	}
	body := raw[:len(raw)-ed25519.SignatureSize]
	sig := raw[len(raw)-ed25519.SignatureSize:]
	if !ed25519.Verify(ed25519.PublicKey(state.SigningPub), body, sig) {
		return nil, nil, 0, newOlmError(ErrKindBadMAC, fmt.Errorf("signature verification failed"))
	}

	index := binary.BigEndian.Uint32(body[:4])
	if index < state.Index {
		return nil, nil, 0, newOlmError(ErrKindUnknownMessageIndex, fmt.Errorf("index %d precedes current ratchet position %d", index, state.Index))
	}

	chainKey := state.ChainKey
	for i := state.Index; i < index; i++ {
		_, chainKey = ratchetStep(chainKey)
	}

	msgKey, nextChain := ratchetStep(chainKey)
	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return nil, nil, 0, newOlmError(ErrKindBadMAC, err)
	}
	nonceSize := aead.NonceSize()
	if len(body) < 4+nonceSize {
		return nil, nil, 0, newOlmError(ErrKindCorruptedPickle, fmt.Errorf("ciphertext too short"))
	}
	nonce := body[4 : 4+nonceSize]
	sealed := body[4+nonceSize:]
	ad := body[:4]

	plaintext, err := aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, nil, 0, newOlmError(ErrKindBadMAC, err)
	}

	state.ChainKey = nextChain
	state.Index = index + 1
	newPickle, err := o.sealMegolm(state)
	if err != nil {
		return nil, nil, 0, err
	}
	return newPickle, plaintext, index, nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64Fixed(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
