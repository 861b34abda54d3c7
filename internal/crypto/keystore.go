package crypto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// KeyStore is the durable, single-writer, transactional store for every
// pickled secret and every piece of device-tracking state. It plays the
// role of spec.md's illustrative relational tables as badger key
// namespaces — see SPEC_FULL.md §4.2 for the full prefix table. No other
// component in this package imports badger directly; everything goes
// through View/Update or the typed methods below.
type KeyStore struct {
	db     *badger.DB
	log    *slog.Logger
	pickle *PicklingKey
}

// OpenKeyStore opens (creating if necessary) the badger database at dir,
// runs any outstanding migrations, and returns a KeyStore holding key,
// which Close zeroes. Values are stored as given; pickles arrive already
// sealed by the CryptoOracle. Migrations run inside a single badger transaction so a crash
// mid-migration leaves schema:version untouched.
func OpenKeyStore(dir string, key *PicklingKey, log *slog.Logger) (*KeyStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &ErrPersistent{Cause: fmt.Errorf("open badger db at %s: %w", dir, err)}
	}

	ks := &KeyStore{db: db, log: log, pickle: key}
	if err := ks.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return ks, nil
}

// Close flushes and closes the underlying database and zeroizes the
// PicklingKey this store was opened with.
func (ks *KeyStore) Close() error {
	ks.pickle.Zero()
	return ks.db.Close()
}

// View and Update are thin wrappers so callers never import badger.
func (ks *KeyStore) View(fn func(txn *badger.Txn) error) error   { return ks.db.View(fn) }
func (ks *KeyStore) Update(fn func(txn *badger.Txn) error) error { return ks.db.Update(fn) }

func (ks *KeyStore) Version() (uint64, error) {
	var v uint64
	err := ks.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badger.ErrKeyNotFound {
			v = 0
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return v, err
}

// Key namespace prefixes, matching SPEC_FULL.md §4.2.
const (
	prefixAccount    = "acct:"
	prefixOlm        = "olm:"
	prefixMegolmIn   = "megin:"
	prefixMegolmOut  = "megout:"
	prefixGroupIndex = "gidx:"
	prefixSent       = "sent:"
	prefixTracked    = "tracked:"
	prefixDeviceKeys = "devicekeys:"
	prefixVerified   = "verified:"
	keySchemaVersion = "schema:version"
)

func accountKey(userID, deviceID string) []byte {
	return []byte(prefixAccount + userID + ":" + deviceID)
}

func olmKeyPrefix(senderKey string) []byte {
	return []byte(prefixOlm + senderKey + ":")
}

func olmKey(senderKey, sessionID string) []byte {
	return []byte(prefixOlm + senderKey + ":" + sessionID)
}

func megolmInKeyPrefix(roomID string) []byte {
	return []byte(prefixMegolmIn + roomID + ":")
}

func megolmInKey(roomID, sessionID string) []byte {
	return []byte(prefixMegolmIn + roomID + ":" + sessionID)
}

func megolmOutKey(roomID string) []byte {
	return []byte(prefixMegolmOut + roomID)
}

func groupIndexKey(roomID, sessionID string, index uint32) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%010d", prefixGroupIndex, roomID, sessionID, index))
}

func sentKey(roomID, sessionID, userID, deviceID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s:%s", prefixSent, roomID, sessionID, userID, deviceID))
}

func sentKeyPrefix(roomID, sessionID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixSent, roomID, sessionID))
}

func trackedKey(userID string) []byte {
	return []byte(prefixTracked + userID)
}

func deviceKeysKey(userID, deviceID string) []byte {
	return []byte(prefixDeviceKeys + userID + ":" + deviceID)
}

func deviceKeysPrefix(userID string) []byte {
	return []byte(prefixDeviceKeys + userID + ":")
}

func verifiedKey(edKeyID string) []byte {
	return []byte(prefixVerified + edKeyID)
}

// StoreAccount persists the account pickle for (userID, deviceID),
// overwriting any prior pickle — callers must have already merged state
// via the oracle before calling this.
func (ks *KeyStore) StoreAccount(userID, deviceID string, pickle []byte) error {
	return ks.db.Update(func(txn *badger.Txn) error {
		return txn.Set(accountKey(userID, deviceID), pickle)
	})
}

// LoadAccount returns (pickle, found, err). found=false with a nil error
// means no account has been created yet.
func (ks *KeyStore) LoadAccount(userID, deviceID string) ([]byte, bool, error) {
	var pickle []byte
	err := ks.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(userID, deviceID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		pickle, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, &ErrPersistent{Cause: fmt.Errorf("load account: %w", err)}
	}
	return pickle, pickle != nil, nil
}

// SaveOlmSession inserts or overwrites one entry in a sender key's session
// list.
func (ks *KeyStore) SaveOlmSession(senderKey string, entry OlmSessionEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal olm session: %w", err)
	}
	return ks.db.Update(func(txn *badger.Txn) error {
		return txn.Set(olmKey(senderKey, entry.SessionID), data)
	})
}

// UpdateOlmSession is an alias for SaveOlmSession: both are an upsert by
// (senderKey, sessionID), matching spec.md §4.2's distinct-named but
// identically-shaped operations.
func (ks *KeyStore) UpdateOlmSession(senderKey string, entry OlmSessionEntry) error {
	return ks.SaveOlmSession(senderKey, entry)
}

// SetOlmSessionLastReceived bumps just the lastReceived timestamp for one
// session, leaving its pickle untouched.
func (ks *KeyStore) SetOlmSessionLastReceived(senderKey, sessionID string, ts time.Time) error {
	return ks.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(olmKey(senderKey, sessionID))
		if err != nil {
			return err
		}
		var entry OlmSessionEntry
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
			return err
		}
		entry.LastReceived = ts
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return txn.Set(olmKey(senderKey, sessionID), data)
	})
}

// LoadOlmSessions returns every persisted session grouped by sender key,
// each group ordered by lastReceived descending, tiebreak sessionID
// ascending, per spec.md §4.2.
func (ks *KeyStore) LoadOlmSessions() (map[string][]OlmSessionEntry, error) {
	out := make(map[string][]OlmSessionEntry)
	err := ks.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixOlm)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			senderKey, _, err := splitOlmKey(key)
			if err != nil {
				return err
			}
			var entry OlmSessionEntry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
				return err
			}
			out[senderKey] = append(out[senderKey], entry)
		}
		return nil
	})
	if err != nil {
		return nil, &ErrPersistent{Cause: fmt.Errorf("load olm sessions: %w", err)}
	}

	for senderKey := range out {
		list := out[senderKey]
		sort.Slice(list, func(i, j int) bool {
			if !list[i].LastReceived.Equal(list[j].LastReceived) {
				return list[i].LastReceived.After(list[j].LastReceived)
			}
			return list[i].SessionID < list[j].SessionID
		})
		out[senderKey] = list
	}
	return out, nil
}

func splitOlmKey(key []byte) (senderKey, sessionID string, err error) {
	s := string(key)[len(prefixOlm):]
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed olm key %q", key)
}

func (ks *KeyStore) SaveMegolmInbound(session InboundMegolmSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal inbound megolm session: %w", err)
	}
	return ks.db.Update(func(txn *badger.Txn) error {
		return txn.Set(megolmInKey(session.RoomID, session.SessionID), data)
	})
}

func (ks *KeyStore) LoadMegolmInbound(roomID string) (map[string]InboundMegolmSession, error) {
	out := make(map[string]InboundMegolmSession)
	err := ks.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := megolmInKeyPrefix(roomID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var session InboundMegolmSession
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &session) }); err != nil {
				return err
			}
			out[session.SessionID] = session
		}
		return nil
	})
	if err != nil {
		return nil, &ErrPersistent{Cause: fmt.Errorf("load inbound megolm sessions: %w", err)}
	}
	return out, nil
}

type groupIndexRecord struct {
	EventID string    `json:"event_id"`
	Ts      time.Time `json:"ts"`
}

// RecordGroupIndex enforces Testable Property 3: at most one (eventID,
// ts) is ever recorded for a given (roomID, sessionID, index). A second
// call with a different eventID fails with ErrReplayDetected; a repeat
// call with the same eventID is idempotent and returns the original
// record.
func (ks *KeyStore) RecordGroupIndex(roomID, sessionID string, index uint32, eventID string, ts time.Time) (groupIndexRecord, error) {
	var result groupIndexRecord
	err := ks.db.Update(func(txn *badger.Txn) error {
		key := groupIndexKey(roomID, sessionID, index)
		item, err := txn.Get(key)
		if err == nil {
			var existing groupIndexRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); err != nil {
				return err
			}
			if existing.EventID != eventID {
				return ErrReplayDetected
			}
			result = existing
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		result = groupIndexRecord{EventID: eventID, Ts: ts}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return groupIndexRecord{}, err
	}
	return result, nil
}

// LookupGroupIndex returns the previously recorded (eventID, ts) for
// (roomID, sessionID, index), or found=false if nothing is recorded yet.
func (ks *KeyStore) LookupGroupIndex(roomID, sessionID string, index uint32) (eventID string, ts time.Time, found bool, err error) {
	err = ks.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(groupIndexKey(roomID, sessionID, index))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		var rec groupIndexRecord
		if valErr := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); valErr != nil {
			return valErr
		}
		eventID, ts, found = rec.EventID, rec.Ts, true
		return nil
	})
	if err != nil {
		return "", time.Time{}, false, &ErrPersistent{Cause: fmt.Errorf("lookup group index: %w", err)}
	}
	return eventID, ts, found, nil
}

func (ks *KeyStore) SaveOutboundMegolm(session OutboundMegolmSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal outbound megolm session: %w", err)
	}
	return ks.db.Update(func(txn *badger.Txn) error {
		return txn.Set(megolmOutKey(session.RoomID), data)
	})
}

func (ks *KeyStore) LoadOutboundMegolm(roomID string) (OutboundMegolmSession, bool, error) {
	var session OutboundMegolmSession
	found := false
	err := ks.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(megolmOutKey(roomID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &session) })
	})
	if err != nil {
		return OutboundMegolmSession{}, false, &ErrPersistent{Cause: fmt.Errorf("load outbound megolm session: %w", err)}
	}
	return session, found, nil
}

type sentRecord struct {
	CurveKey string `json:"curve_key"`
	Index    uint32 `json:"index"`
}

// DevicesMissingKey returns the subset of candidates that have not yet
// been recorded as having received sessionID for roomID, at any index,
// realizing Testable Property 2.
func (ks *KeyStore) DevicesMissingKey(roomID, sessionID string, candidates []recipientKey) ([]recipientKey, error) {
	var missing []recipientKey
	err := ks.db.View(func(txn *badger.Txn) error {
		for _, c := range candidates {
			_, err := txn.Get(sentKey(roomID, sessionID, c.UserID, c.DeviceID))
			if err == badger.ErrKeyNotFound {
				missing = append(missing, c)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &ErrPersistent{Cause: fmt.Errorf("devices missing key: %w", err)}
	}
	return missing, nil
}

// MarkDevicesReceivedKey records that each of devices now has
// (sessionID, index) for roomID.
func (ks *KeyStore) MarkDevicesReceivedKey(roomID, sessionID string, devices []recipientKey, curveKeys map[recipientKey]string, index uint32) error {
	return ks.db.Update(func(txn *badger.Txn) error {
		for _, d := range devices {
			rec := sentRecord{CurveKey: curveKeys[d], Index: index}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(sentKey(roomID, sessionID, d.UserID, d.DeviceID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (ks *KeyStore) IsDeviceVerified(edKeyID string) (bool, error) {
	verified := false
	err := ks.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(verifiedKey(edKeyID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		verified = true
		return nil
	})
	if err != nil {
		return false, &ErrPersistent{Cause: fmt.Errorf("is device verified: %w", err)}
	}
	return verified, nil
}

func (ks *KeyStore) MarkDeviceVerified(edKeyID string) error {
	return ks.db.Update(func(txn *badger.Txn) error {
		return txn.Set(verifiedKey(edKeyID), []byte{1})
	})
}

func (ks *KeyStore) SaveTrackedState(userID string, outdated bool) error {
	val := byte(0)
	if outdated {
		val = 1
	}
	return ks.db.Update(func(txn *badger.Txn) error {
		return txn.Set(trackedKey(userID), []byte{val})
	})
}

func (ks *KeyStore) LoadTrackedState() (map[string]bool, error) {
	out := make(map[string]bool)
	err := ks.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixTracked)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			userID := string(item.Key())[len(prefixTracked):]
			err := item.Value(func(val []byte) error {
				out[userID] = len(val) > 0 && val[0] == 1
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &ErrPersistent{Cause: fmt.Errorf("load tracked state: %w", err)}
	}
	return out, nil
}

func (ks *KeyStore) SaveDeviceKeys(dk DeviceKeys) error {
	data, err := json.Marshal(dk)
	if err != nil {
		return fmt.Errorf("marshal device keys: %w", err)
	}
	return ks.db.Update(func(txn *badger.Txn) error {
		return txn.Set(deviceKeysKey(dk.UserID, dk.DeviceID), data)
	})
}

func (ks *KeyStore) LoadDeviceKeys(userID string) (map[string]DeviceKeys, error) {
	out := make(map[string]DeviceKeys)
	err := ks.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := deviceKeysPrefix(userID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var dk DeviceKeys
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &dk) }); err != nil {
				return err
			}
			out[dk.DeviceID] = dk
		}
		return nil
	})
	if err != nil {
		return nil, &ErrPersistent{Cause: fmt.Errorf("load device keys: %w", err)}
	}
	return out, nil
}

// Clear wipes every key this store owns, used by
// EncryptionCoordinator.Clear, which moves to StateCleared.
func (ks *KeyStore) Clear() error {
	return ks.db.DropAll()
}

// ClearRoom drops every megolm/group-index/sent-key entry scoped to
// roomID, leaving accounts, olm sessions, and device tracking untouched.
func (ks *KeyStore) ClearRoom(roomID string) error {
	prefixes := [][]byte{
		megolmInKeyPrefix(roomID),
		[]byte(prefixMegolmOut + roomID),
		[]byte(prefixGroupIndex + roomID + ":"),
		[]byte(prefixSent + roomID + ":"),
	}
	return ks.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			var keys [][]byte
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
