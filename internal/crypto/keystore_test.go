package crypto

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	key, err := NewPicklingKey()
	if err != nil {
		t.Fatalf("NewPicklingKey: %v", err)
	}
	ks, err := OpenKeyStore(t.TempDir(), &key, testLogger())
	if err != nil {
		t.Fatalf("OpenKeyStore: %v", err)
	}
	t.Cleanup(func() { ks.Close() })
	return ks
}

func TestOpenKeyStoreRunsMigrations(t *testing.T) {
	ks := openTestKeyStore(t)
	v, err := ks.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != uint64(len(migrations)) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), v)
	}
}

func TestAccountStoreAndLoadRoundTrip(t *testing.T) {
	ks := openTestKeyStore(t)

	if _, found, err := ks.LoadAccount("alice", "DEVICE1"); err != nil || found {
		t.Fatalf("expected no account yet, found=%v err=%v", found, err)
	}

	pickle := []byte("opaque-account-pickle")
	if err := ks.StoreAccount("alice", "DEVICE1", pickle); err != nil {
		t.Fatalf("StoreAccount: %v", err)
	}

	got, found, err := ks.LoadAccount("alice", "DEVICE1")
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}
	if !found {
		t.Fatalf("expected account to be found")
	}
	if string(got) != string(pickle) {
		t.Fatalf("pickle mismatch: got %q, want %q", got, pickle)
	}
}

func TestLoadOlmSessionsOrdering(t *testing.T) {
	ks := openTestKeyStore(t)

	senderKey := "SENDERCURVEKEY"
	now := time.Now()
	entries := []OlmSessionEntry{
		{SessionID: "session-b", Pickle: []byte("b"), LastReceived: now.Add(-time.Hour), CreatedAt: now},
		{SessionID: "session-a", Pickle: []byte("a"), LastReceived: now, CreatedAt: now},
		{SessionID: "session-c", Pickle: []byte("c"), LastReceived: now, CreatedAt: now},
	}
	for _, e := range entries {
		if err := ks.SaveOlmSession(senderKey, e); err != nil {
			t.Fatalf("SaveOlmSession: %v", err)
		}
	}

	all, err := ks.LoadOlmSessions()
	if err != nil {
		t.Fatalf("LoadOlmSessions: %v", err)
	}
	list := all[senderKey]
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	// session-a and session-c tie on lastReceived=now; session-a sorts
	// first ascending by sessionID, then session-c, then session-b (oldest
	// lastReceived) last.
	want := []string{"session-a", "session-c", "session-b"}
	for i, w := range want {
		if list[i].SessionID != w {
			t.Fatalf("position %d: got %q, want %q (full order: %v)", i, list[i].SessionID, w, list)
		}
	}
}

func TestRecordGroupIndexRejectsReplay(t *testing.T) {
	ks := openTestKeyStore(t)
	ts := time.Now()

	if _, err := ks.RecordGroupIndex("!room", "session1", 5, "$a", ts); err != nil {
		t.Fatalf("first RecordGroupIndex: %v", err)
	}

	if _, err := ks.RecordGroupIndex("!room", "session1", 5, "$b", ts); err != ErrReplayDetected {
		t.Fatalf("expected ErrReplayDetected for a different eventID, got %v", err)
	}

	rec, err := ks.RecordGroupIndex("!room", "session1", 5, "$a", ts)
	if err != nil {
		t.Fatalf("repeat RecordGroupIndex with same eventID: %v", err)
	}
	if rec.EventID != "$a" {
		t.Fatalf("expected cached record for $a, got %q", rec.EventID)
	}
}

func TestDevicesMissingKeyAfterMarking(t *testing.T) {
	ks := openTestKeyStore(t)

	candidates := []recipientKey{
		{UserID: "alice", DeviceID: "D1"},
		{UserID: "bob", DeviceID: "D1"},
		{UserID: "carol", DeviceID: "D1"},
	}

	missing, err := ks.DevicesMissingKey("!room", "session1", candidates)
	if err != nil {
		t.Fatalf("DevicesMissingKey: %v", err)
	}
	if len(missing) != 3 {
		t.Fatalf("expected all 3 candidates missing, got %d", len(missing))
	}

	marked := []recipientKey{candidates[0], candidates[1]}
	curveKeys := map[recipientKey]string{
		candidates[0]: "curveA",
		candidates[1]: "curveB",
	}
	if err := ks.MarkDevicesReceivedKey("!room", "session1", marked, curveKeys, 0); err != nil {
		t.Fatalf("MarkDevicesReceivedKey: %v", err)
	}

	missing, err = ks.DevicesMissingKey("!room", "session1", candidates)
	if err != nil {
		t.Fatalf("DevicesMissingKey after marking: %v", err)
	}
	if len(missing) != 1 || missing[0] != candidates[2] {
		t.Fatalf("expected only carol missing, got %v", missing)
	}
}

func TestDeviceVerifiedIsMonotone(t *testing.T) {
	ks := openTestKeyStore(t)

	verified, err := ks.IsDeviceVerified("ED25519:abc")
	if err != nil {
		t.Fatalf("IsDeviceVerified: %v", err)
	}
	if verified {
		t.Fatalf("expected not verified before marking")
	}

	if err := ks.MarkDeviceVerified("ED25519:abc"); err != nil {
		t.Fatalf("MarkDeviceVerified: %v", err)
	}

	verified, err = ks.IsDeviceVerified("ED25519:abc")
	if err != nil {
		t.Fatalf("IsDeviceVerified after marking: %v", err)
	}
	if !verified {
		t.Fatalf("expected verified after marking")
	}
}

func TestClearRoomLeavesOtherRoomsAndAccountsIntact(t *testing.T) {
	ks := openTestKeyStore(t)

	if err := ks.StoreAccount("alice", "D1", []byte("acct-pickle")); err != nil {
		t.Fatalf("StoreAccount: %v", err)
	}
	if err := ks.SaveMegolmInbound(InboundMegolmSession{RoomID: "!r1", SessionID: "s1", Pickle: []byte("p1")}); err != nil {
		t.Fatalf("SaveMegolmInbound r1: %v", err)
	}
	if err := ks.SaveMegolmInbound(InboundMegolmSession{RoomID: "!r2", SessionID: "s2", Pickle: []byte("p2")}); err != nil {
		t.Fatalf("SaveMegolmInbound r2: %v", err)
	}

	if err := ks.ClearRoom("!r1"); err != nil {
		t.Fatalf("ClearRoom: %v", err)
	}

	r1Sessions, err := ks.LoadMegolmInbound("!r1")
	if err != nil {
		t.Fatalf("LoadMegolmInbound r1: %v", err)
	}
	if len(r1Sessions) != 0 {
		t.Fatalf("expected r1 sessions cleared, got %d", len(r1Sessions))
	}

	r2Sessions, err := ks.LoadMegolmInbound("!r2")
	if err != nil {
		t.Fatalf("LoadMegolmInbound r2: %v", err)
	}
	if len(r2Sessions) != 1 {
		t.Fatalf("expected r2 sessions intact, got %d", len(r2Sessions))
	}

	_, found, err := ks.LoadAccount("alice", "D1")
	if err != nil || !found {
		t.Fatalf("expected account to survive ClearRoom, found=%v err=%v", found, err)
	}
}
