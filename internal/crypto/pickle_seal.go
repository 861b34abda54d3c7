package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// seal encrypts a JSON-serialized value under the oracle's PicklingKey,
// producing the opaque pickle bytes every other component stores and
// passes back verbatim. The associated-data label binds a pickle to its
// kind so an account pickle can never be fed to openSession and decrypt
// cleanly.
func (o *x25519Oracle) seal(label string, v any) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", label, err)
	}

	aead, err := chacha20poly1305.New(o.picklingKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("init pickle cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, newOlmError(ErrKindOOM, err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte(label))

	out := make([]byte, len(nonce)+len(sealed))
	copy(out, nonce)
	copy(out[len(nonce):], sealed)

	env := struct {
		Label string `json:"label"`
		Data  string `json:"data"`
	}{Label: label, Data: base64.StdEncoding.EncodeToString(out)}
	return json.Marshal(env)
}

func (o *x25519Oracle) open(label string, pickle []byte, v any) error {
	var env struct {
		Label string `json:"label"`
		Data  string `json:"data"`
	}
	if err := json.Unmarshal(pickle, &env); err != nil {
		return &ErrPersistent{Cause: newOlmError(ErrKindCorruptedPickle, err)}
	}
	if env.Label != label {
		return &ErrPersistent{Cause: newOlmError(ErrKindMismatchedKey, fmt.Errorf("expected pickle kind %q, got %q", label, env.Label))}
	}

	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return &ErrPersistent{Cause: newOlmError(ErrKindCorruptedPickle, err)}
	}

	aead, err := chacha20poly1305.New(o.picklingKey.Bytes())
	if err != nil {
		return &ErrPersistent{Cause: fmt.Errorf("init pickle cipher: %w", err)}
	}
	nonceSize := aead.NonceSize()
	if len(raw) < nonceSize {
		return &ErrPersistent{Cause: newOlmError(ErrKindCorruptedPickle, fmt.Errorf("pickle too short"))}
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, sealed, []byte(label))
	if err != nil {
		return &ErrPersistent{Cause: ErrMismatchedKey}
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return &ErrPersistent{Cause: newOlmError(ErrKindCorruptedPickle, err)}
	}
	return nil
}

const (
	pickleLabelAccount = "account"
	pickleLabelSession = "olm_session"
	pickleLabelMegolm  = "megolm_session"
)

func (o *x25519Oracle) sealAccount(a *accountState) ([]byte, error) {
	return o.seal(pickleLabelAccount, a)
}

func (o *x25519Oracle) openAccount(pickle []byte) (*accountState, error) {
	var a accountState
	if err := o.open(pickleLabelAccount, pickle, &a); err != nil {
		return nil, err
	}
	if a.OneTimeKeys == nil {
		a.OneTimeKeys = map[string]otkState{}
	}
	if a.Published == nil {
		a.Published = map[string]bool{}
	}
	return &a, nil
}

func (o *x25519Oracle) sealSession(s *olmSessionState) ([]byte, error) {
	return o.seal(pickleLabelSession, s)
}

func (o *x25519Oracle) openSession(pickle []byte) (*olmSessionState, error) {
	var s olmSessionState
	if err := o.open(pickleLabelSession, pickle, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (o *x25519Oracle) sealMegolm(s *megolmState) ([]byte, error) {
	return o.seal(pickleLabelMegolm, s)
}

func (o *x25519Oracle) openMegolm(pickle []byte) (*megolmState, error) {
	var s megolmState
	if err := o.open(pickleLabelMegolm, pickle, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
