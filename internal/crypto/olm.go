package crypto

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tidwall/btree"
)

// olmSessionEntry is the in-memory mirror of an OlmSessionEntry, ordered
// within its sender key's tree by (lastReceived desc, sessionID asc) —
// the session that most recently produced valid plaintext sorts first,
// matching spec.md §4.4's ordering rule.
type olmSessionEntry struct {
	sessionID    string
	pickle       []byte
	lastReceived time.Time
	createdAt    time.Time
}

func olmSessionLess(a, b *olmSessionEntry) bool {
	if !a.lastReceived.Equal(b.lastReceived) {
		return a.lastReceived.After(b.lastReceived)
	}
	return a.sessionID < b.sessionID
}

func newOlmSessionTree() *btree.BTreeG[*olmSessionEntry] {
	return btree.NewBTreeG(olmSessionLess)
}

// triedDevice identifies a (user, device) pair that createOutbound has
// already attempted this run; it gates the "device already tried this
// session" policy skip, spec.md §4.4 and the Policy error class in §9.
type triedDevice struct {
	userID   string
	deviceID string
}

// OlmSessionManager owns every Olm (1:1) session, keyed by the sender's
// curve25519 identity key, and persists every mutation through KeyStore
// immediately — sessions are cheap but irreplaceable ratchet state.
type OlmSessionManager struct {
	store  *KeyStore
	oracle CryptoOracle
	log    *slog.Logger

	sessions     *xsync.Map[string, *btree.BTreeG[*olmSessionEntry]]
	triedDevices *xsync.Map[triedDevice, struct{}]
}

func NewOlmSessionManager(store *KeyStore, oracle CryptoOracle, log *slog.Logger) *OlmSessionManager {
	return &OlmSessionManager{
		store:        store,
		oracle:       oracle,
		log:          log,
		sessions:     xsync.NewMap[string, *btree.BTreeG[*olmSessionEntry]](),
		triedDevices: xsync.NewMap[triedDevice, struct{}](),
	}
}

// LoadSessions rebuilds the in-memory trees from persisted state; called
// once during EncryptionCoordinator.Setup.
func (m *OlmSessionManager) LoadSessions() error {
	all, err := m.store.LoadOlmSessions()
	if err != nil {
		return fmt.Errorf("load olm sessions: %w", err)
	}
	for senderKey, entries := range all {
		tree := m.treeFor(senderKey)
		for _, e := range entries {
			tree.Set(&olmSessionEntry{
				sessionID:    e.SessionID,
				pickle:       e.Pickle,
				lastReceived: e.LastReceived,
				createdAt:    e.CreatedAt,
			})
		}
	}
	return nil
}

func (m *OlmSessionManager) treeFor(senderKey string) *btree.BTreeG[*olmSessionEntry] {
	actual, _ := m.sessions.Compute(senderKey, func(old *btree.BTreeG[*olmSessionEntry], loaded bool) (*btree.BTreeG[*olmSessionEntry], xsync.ComputeOp) {
		if loaded {
			return old, xsync.UpdateOp
		}
		return newOlmSessionTree(), xsync.UpdateOp
	})
	return actual
}

// HasSession reports whether any Olm session exists for senderKey.
func (m *OlmSessionManager) HasSession(senderKey string) bool {
	tree, ok := m.sessions.Load(senderKey)
	return ok && tree.Len() > 0
}

// WasTried reports whether (userID, deviceID) is already in
// triedDevices, the Policy-skip precondition from spec.md §9.
func (m *OlmSessionManager) WasTried(userID, deviceID string) bool {
	_, ok := m.triedDevices.Load(triedDevice{userID: userID, deviceID: deviceID})
	return ok
}

// CreateOutbound chooses the first candidate with a non-empty key and
// signature (the signature itself is not verified), creates a fresh
// outbound session with the caller-supplied accountPickle, inserts it at
// the head of senderKey's ordered list, persists
// it, and marks (userID, deviceID) as tried regardless of outcome —
// a device is tried once per run even if the handshake itself fails,
// since retrying immediately against the same stale key set would not
// help.
func (m *OlmSessionManager) CreateOutbound(accountPickle []byte, userID, deviceID, senderKey string, candidates []OneTimeKey) (sessionID string, err error) {
	m.triedDevices.Store(triedDevice{userID: userID, deviceID: deviceID}, struct{}{})

	var chosen *OneTimeKey
	for i := range candidates {
		if candidates[i].Key != "" && candidates[i].Signature != "" {
			chosen = &candidates[i]
			break
		}
	}
	if chosen == nil {
		return "", &ErrProtocol{Cause: fmt.Errorf("no usable signed one-time key for %s/%s", userID, deviceID)}
	}

	sessionPickle, err := m.oracle.CreateOutboundSession(accountPickle, senderKey, chosen.Key)
	if err != nil {
		return "", fmt.Errorf("create outbound session for %s/%s: %w", userID, deviceID, err)
	}

	now := time.Now()
	sid := chosen.KeyID
	entry := OlmSessionEntry{SessionID: sid, Pickle: sessionPickle, LastReceived: now, CreatedAt: now}
	if err := m.store.SaveOlmSession(senderKey, entry); err != nil {
		return "", fmt.Errorf("persist outbound session for %s/%s: %w", userID, deviceID, err)
	}

	m.treeFor(senderKey).Set(&olmSessionEntry{
		sessionID:    entry.SessionID,
		pickle:       entry.Pickle,
		lastReceived: entry.LastReceived,
		createdAt:    entry.CreatedAt,
	})
	return sid, nil
}

// DecryptPreKey tries every existing session for senderKey in order; if
// all fail (or none exist) it attempts to create a fresh inbound session
// from the pre-key ciphertext itself. On success the winning or newly
// created session is reordered to the head of the list.
func (m *OlmSessionManager) DecryptPreKey(accountPickle []byte, senderKey, ciphertext string) (plaintext, newAccountPickle []byte, err error) {
	tree := m.treeFor(senderKey)

	var winner *olmSessionEntry
	tree.Scan(func(e *olmSessionEntry) bool {
		newPickle, pt, decErr := m.oracle.Decrypt(e.pickle, MessageTypePreKey, ciphertext)
		if decErr != nil {
			return true
		}
		e.pickle = newPickle
		plaintext = pt
		winner = e
		return false
	})
	if winner != nil {
		if err := m.commitDecrypt(senderKey, winner); err != nil {
			return nil, nil, err
		}
		return plaintext, accountPickle, nil
	}

	newAcct, sessionPickle, pt, err := m.oracle.CreateInboundSession(accountPickle, senderKey, ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("create inbound session from %s: %w", senderKey, err)
	}

	now := time.Now()
	entry := OlmSessionEntry{SessionID: inboundSessionID(senderKey, ciphertext), Pickle: sessionPickle, LastReceived: now, CreatedAt: now}
	if err := m.store.SaveOlmSession(senderKey, entry); err != nil {
		return nil, nil, fmt.Errorf("persist inbound session from %s: %w", senderKey, err)
	}
	tree.Set(&olmSessionEntry{sessionID: entry.SessionID, pickle: entry.Pickle, lastReceived: entry.LastReceived, createdAt: entry.CreatedAt})

	return pt, newAcct, nil
}

// DecryptNormal iterates existing sessions for senderKey; the first one
// that decrypts successfully has its lastReceived bumped and is
// reordered to the head. Returns ErrNoSession if none exist yet, and an
// ErrProtocol if every session fails.
func (m *OlmSessionManager) DecryptNormal(senderKey, ciphertext string) ([]byte, error) {
	tree, ok := m.sessions.Load(senderKey)
	if !ok || tree.Len() == 0 {
		return nil, ErrNoSession
	}

	var winner *olmSessionEntry
	var plaintext []byte
	tree.Scan(func(e *olmSessionEntry) bool {
		newPickle, pt, decErr := m.oracle.Decrypt(e.pickle, MessageTypeNormal, ciphertext)
		if decErr != nil {
			return true
		}
		e.pickle = newPickle
		plaintext = pt
		winner = e
		return false
	})
	if winner == nil {
		return nil, &ErrProtocol{Cause: fmt.Errorf("no session for %s decrypted the message", senderKey)}
	}

	if err := m.commitDecrypt(senderKey, winner); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// commitDecrypt persists winner's updated pickle and lastReceived, then
// reinserts it into the tree so it sorts to the head — the btree
// comparator key changed (lastReceived), so the stale entry must be
// deleted and re-set rather than mutated in place.
func (m *OlmSessionManager) commitDecrypt(senderKey string, winner *olmSessionEntry) error {
	tree := m.treeFor(senderKey)
	tree.Delete(winner)
	winner.lastReceived = time.Now()
	tree.Set(winner)

	entry := OlmSessionEntry{SessionID: winner.sessionID, Pickle: winner.pickle, LastReceived: winner.lastReceived, CreatedAt: winner.createdAt}
	if err := m.store.UpdateOlmSession(senderKey, entry); err != nil {
		return fmt.Errorf("persist decrypted session %s: %w", winner.sessionID, err)
	}
	return nil
}

// EncryptTo requires an existing session for senderKey (callers check
// HasSession first) and uses the head of its ordered list — the session
// most recently used for a successful decrypt, or most recently created
// if none has decrypted yet.
func (m *OlmSessionManager) EncryptTo(senderKey string, plaintext []byte) (MessageType, string, error) {
	tree, ok := m.sessions.Load(senderKey)
	if !ok || tree.Len() == 0 {
		return 0, "", ErrNoSession
	}

	var head *olmSessionEntry
	tree.Scan(func(e *olmSessionEntry) bool {
		head = e
		return false
	})

	newPickle, msgType, ciphertext, err := m.oracle.Encrypt(head.pickle, plaintext)
	if err != nil {
		return 0, "", fmt.Errorf("encrypt to %s: %w", senderKey, err)
	}
	head.pickle = newPickle

	entry := OlmSessionEntry{SessionID: head.sessionID, Pickle: head.pickle, LastReceived: head.lastReceived, CreatedAt: head.createdAt}
	if err := m.store.UpdateOlmSession(senderKey, entry); err != nil {
		return 0, "", fmt.Errorf("persist session %s after encrypt: %w", head.sessionID, err)
	}
	return msgType, ciphertext, nil
}

func inboundSessionID(senderKey, ciphertext string) string {
	return fmt.Sprintf("inbound:%s:%x", senderKey, hashShort(ciphertext))
}

func hashShort(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
