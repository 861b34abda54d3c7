package crypto

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type megolmKey struct {
	roomID    string
	sessionID string
}

// megolmEventKey identifies one decrypt attempt by the event it was
// asked to decrypt, not by ratchet index — the index of an event is not
// known until the oracle successfully decrypts it the first time.
type megolmEventKey struct {
	roomID    string
	sessionID string
	eventID   string
}

// inboundSessionState is the in-memory mirror of InboundMegolmSession;
// pickle and index are both replaced on every successful decrypt since
// the oracle's one-way ratchet advances the session's position each
// time and cannot decrypt an already-consumed index again.
type inboundSessionState struct {
	senderKey string
	pickle    []byte
	index     uint32
	createdAt time.Time
}

// decryptCacheEntry lets MegolmManager re-serve the plaintext for an
// event this process has already decrypted once, without asking the
// oracle to re-decrypt an index its one-way ratchet has already
// consumed (scenario: duplicate delivery of the same event).
type decryptCacheEntry struct {
	index     uint32
	plaintext []byte
}

// MegolmManager owns every inbound (room, session) group ratchet plus
// the single active outbound session per room.
type MegolmManager struct {
	store  *KeyStore
	oracle CryptoOracle
	log    *slog.Logger

	policy RotationPolicy

	inbound      *xsync.Map[megolmKey, *inboundSessionState]
	decryptCache *xsync.Map[megolmEventKey, decryptCacheEntry]
	outbound     *xsync.Map[string, *OutboundMegolmSession]
}

func NewMegolmManager(store *KeyStore, oracle CryptoOracle, log *slog.Logger, policy RotationPolicy) *MegolmManager {
	return &MegolmManager{
		store:        store,
		oracle:       oracle,
		log:          log,
		policy:       policy,
		inbound:      xsync.NewMap[megolmKey, *inboundSessionState](),
		decryptCache: xsync.NewMap[megolmEventKey, decryptCacheEntry](),
		outbound:     xsync.NewMap[string, *OutboundMegolmSession](),
	}
}

// LoadSessions rebuilds the inbound and outbound registries from
// persisted state; called once during EncryptionCoordinator.Setup.
func (m *MegolmManager) LoadSessions(roomIDs []string) error {
	for _, roomID := range roomIDs {
		sessions, err := m.store.LoadMegolmInbound(roomID)
		if err != nil {
			return fmt.Errorf("load inbound megolm sessions for %s: %w", roomID, err)
		}
		for sessionID, s := range sessions {
			m.inbound.Store(megolmKey{roomID: roomID, sessionID: sessionID}, &inboundSessionState{
				senderKey: s.SenderKey, pickle: s.Pickle, index: s.Index, createdAt: s.CreatedAt,
			})
		}

		out, ok, err := m.store.LoadOutboundMegolm(roomID)
		if err != nil {
			return fmt.Errorf("load outbound megolm session for %s: %w", roomID, err)
		}
		if ok {
			session := out
			m.outbound.Store(roomID, &session)
		}
	}
	return nil
}

// megolmExportIndex decodes only the starting index out of a room key
// event's sessionKey payload, without asking the oracle to seal a new
// pickle — used to decide whether an incoming key supersedes what is
// already held.
func megolmExportIndex(sessionKey string) (uint32, error) {
	raw, err := base64.StdEncoding.DecodeString(sessionKey)
	if err != nil {
		return 0, fmt.Errorf("decode session key: %w", err)
	}
	var export megolmExport
	if err := json.Unmarshal(raw, &export); err != nil {
		return 0, fmt.Errorf("parse session key: %w", err)
	}
	return export.Index, nil
}

// megolmCiphertextIndex reads the leading 4-byte big-endian index out of
// a Megolm ciphertext without verifying its signature or touching the
// oracle, mirroring the layout ratchetDecrypt/GroupDecrypt parse
// (index || nonce || sealed || sig) — cheap enough to call before every
// Decrypt so replay defense never needs to ask the oracle to re-decrypt
// an index its one-way ratchet has already consumed.
func megolmCiphertextIndex(ciphertext string) (uint32, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return 0, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < 4 {
		return 0, fmt.Errorf("ciphertext too short")
	}
	return binary.BigEndian.Uint32(raw[:4]), nil
}

// Accept imports roomID/sessionID's room key if no session is currently
// held, or if the incoming key's starting index is lower than the one
// currently held — a lower starting index lets the ratchet decrypt
// further back into the room's history, which is strictly more
// capability, so it always wins. A higher or equal starting index is
// dropped: importing it would only narrow what can be decrypted.
func (m *MegolmManager) Accept(roomID, sessionID, senderKey, sessionKey string) error {
	incomingIndex, err := megolmExportIndex(sessionKey)
	if err != nil {
		return &ErrProtocol{Cause: err}
	}

	key := megolmKey{roomID: roomID, sessionID: sessionID}
	if existing, ok := m.inbound.Load(key); ok && incomingIndex >= existing.index {
		m.log.Debug("dropping room key, would not extend decryptable history",
			"room", roomID, "session", sessionID, "incoming_index", incomingIndex, "existing_index", existing.index)
		return nil
	}

	pickle, importedSessionID, err := m.oracle.ImportInboundGroup(sessionKey)
	if err != nil {
		return fmt.Errorf("import inbound group session %s/%s: %w", roomID, sessionID, err)
	}
	if importedSessionID != sessionID {
		return &ErrProtocol{Cause: fmt.Errorf("session key for %s does not match claimed session ID %s", importedSessionID, sessionID)}
	}

	now := time.Now()
	m.inbound.Store(key, &inboundSessionState{senderKey: senderKey, pickle: pickle, index: incomingIndex, createdAt: now})
	return m.store.SaveMegolmInbound(InboundMegolmSession{
		RoomID: roomID, SessionID: sessionID, SenderKey: senderKey, Pickle: pickle, CreatedAt: now, Index: incomingIndex,
	})
}

// Decrypt looks up (roomID, sessionID). If eventID has already been
// decrypted in this process, the cached plaintext is re-served directly
// — the oracle's one-way ratchet cannot decrypt an index it has already
// consumed, so a genuine re-decrypt is not possible on a second
// delivery of the same event. Otherwise, before asking the oracle to
// decrypt anything, the ciphertext's embedded index is checked against
// KeyStore.LookupGroupIndex: a hit for a different eventID is a genuine
// replay (Testable Property 3) and is rejected without ever reaching the
// oracle, since by the time the oracle's ratchet has advanced past that
// index it can only fail with a generic unknown-message-index error, not
// ErrReplayDetected. Only a miss reaches the oracle, after which the
// (index -> eventID) record is committed via KeyStore.RecordGroupIndex
// before plaintext is returned, so a concurrent decrypt of a different
// event claiming the same index cannot also succeed.
func (m *MegolmManager) Decrypt(roomID, sessionID, ciphertext, eventID string, ts time.Time) ([]byte, uint32, error) {
	key := megolmKey{roomID: roomID, sessionID: sessionID}
	session, ok := m.inbound.Load(key)
	if !ok {
		return nil, 0, ErrUnknownSession
	}

	cacheKey := megolmEventKey{roomID: roomID, sessionID: sessionID, eventID: eventID}
	if cached, hit := m.decryptCache.Load(cacheKey); hit {
		return cached.plaintext, cached.index, nil
	}

	wireIndex, err := megolmCiphertextIndex(ciphertext)
	if err != nil {
		return nil, 0, &ErrProtocol{Cause: err}
	}
	if recordedEventID, _, found, err := m.store.LookupGroupIndex(roomID, sessionID, wireIndex); err != nil {
		return nil, 0, err
	} else if found {
		if recordedEventID != eventID {
			return nil, 0, ErrReplayDetected
		}
		// Same event, but its plaintext fell out of the in-process
		// cache (e.g. a restart): the ratchet has already consumed
		// this index and cannot decrypt it again.
		return nil, 0, ErrReplayDetected
	}

	newPickle, plaintext, index, err := m.oracle.GroupDecrypt(session.pickle, ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("group decrypt %s/%s: %w", roomID, sessionID, err)
	}

	if _, err := m.store.RecordGroupIndex(roomID, sessionID, index, eventID, ts); err != nil {
		return nil, 0, err
	}

	session.pickle = newPickle
	session.index = index + 1
	m.decryptCache.Store(cacheKey, decryptCacheEntry{index: index, plaintext: plaintext})

	if err := m.store.SaveMegolmInbound(InboundMegolmSession{
		RoomID: roomID, SessionID: sessionID, SenderKey: session.senderKey,
		Pickle: newPickle, CreatedAt: session.createdAt, Index: session.index,
	}); err != nil {
		return nil, 0, err
	}
	return plaintext, index, nil
}

// EnsureOutbound returns the session to encrypt the next message in
// roomID with, creating or rotating it first if the rotation policy
// requires it.
func (m *MegolmManager) EnsureOutbound(roomID string, recipients []recipientKey) (sessionID, sessionKey string, index uint32, err error) {
	recipientStrs := recipientStrings(recipients)

	existing, ok := m.outbound.Load(roomID)
	if ok && !m.needsRotation(existing, recipientStrs) {
		return existing.SessionID, existing.SessionKey, uint32(existing.MessageCount), nil
	}

	pickle, newSessionID, newSessionKey, err := m.oracle.CreateOutboundGroup()
	if err != nil {
		return "", "", 0, fmt.Errorf("create outbound group session for %s: %w", roomID, err)
	}

	now := time.Now()
	session := &OutboundMegolmSession{
		RoomID: roomID, SessionID: newSessionID, SessionKey: newSessionKey,
		Pickle: pickle, CreatedAt: now, MessageCount: 0, Recipients: recipientStrs,
	}
	m.outbound.Store(roomID, session)
	if err := m.store.SaveOutboundMegolm(*session); err != nil {
		return "", "", 0, err
	}

	// The previous session, if any, is retained in the inbound registry
	// under its own session ID so the sender can still decrypt the
	// history it produced, per spec.md §4.5. It is imported from the
	// session's index-0 export, since the outbound pickle has already
	// ratcheted past every message it encrypted.
	if ok {
		inPickle, _, err := m.oracle.ImportInboundGroup(existing.SessionKey)
		if err != nil {
			return "", "", 0, fmt.Errorf("retain previous session for %s: %w", roomID, err)
		}
		m.inbound.Store(megolmKey{roomID: roomID, sessionID: existing.SessionID}, &inboundSessionState{
			senderKey: "", pickle: inPickle, index: 0, createdAt: existing.CreatedAt,
		})
		if err := m.store.SaveMegolmInbound(InboundMegolmSession{
			RoomID: roomID, SessionID: existing.SessionID, Pickle: inPickle, CreatedAt: existing.CreatedAt,
		}); err != nil {
			return "", "", 0, err
		}
	}

	return session.SessionID, session.SessionKey, 0, nil
}

func (m *MegolmManager) needsRotation(session *OutboundMegolmSession, recipients []string) bool {
	if m.policy.MaxMessages > 0 && uint64(m.policy.MaxMessages) <= session.MessageCount {
		return true
	}
	if m.policy.MaxAge > 0 && time.Since(session.CreatedAt) >= m.policy.MaxAge {
		return true
	}
	if m.policy.RotateOnMembershipChange && !sameRecipients(session.Recipients, recipients) {
		return true
	}
	return false
}

// GroupEncrypt encrypts plaintext with roomID's current outbound
// session, which must already exist (callers call EnsureOutbound first).
func (m *MegolmManager) GroupEncrypt(roomID string, plaintext []byte) (ciphertext string, index uint32, err error) {
	session, ok := m.outbound.Load(roomID)
	if !ok {
		return "", 0, ErrUnknownSession
	}

	newPickle, ct, idx, err := m.oracle.GroupEncrypt(session.Pickle, plaintext)
	if err != nil {
		return "", 0, fmt.Errorf("group encrypt for %s: %w", roomID, err)
	}
	session.Pickle = newPickle
	session.MessageCount++

	if err := m.store.SaveOutboundMegolm(*session); err != nil {
		return "", 0, err
	}
	return ct, idx, nil
}

// InvalidateOutbound forces the next EnsureOutbound call for roomID to
// mint a new session regardless of rotation policy thresholds.
func (m *MegolmManager) InvalidateOutbound(roomID string) {
	m.outbound.Delete(roomID)
}

func recipientStrings(recipients []recipientKey) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, r.String())
	}
	sort.Strings(out)
	return out
}

func sameRecipients(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
