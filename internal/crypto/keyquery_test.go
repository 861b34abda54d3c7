package crypto

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTransport struct {
	mu          sync.Mutex
	queries     [][]string
	result      QueryKeysResult
	queryErr    error
	blockUntil  chan struct{}
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	uploads     []DeviceKeysUpload
	claimResult ClaimKeysResult
	claimErr    error
	claims      []map[string]string
	sent        [][]OutgoingToDeviceEvent
	sendErr     error
}

func (f *fakeTransport) UploadKeys(ctx context.Context, upload DeviceKeysUpload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, upload)
	return nil
}

func (f *fakeTransport) QueryKeys(ctx context.Context, users []string) (QueryKeysResult, error) {
	if n := f.inFlight.Add(1); n > f.maxInFlight.Load() {
		f.maxInFlight.Store(n)
	}
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	f.queries = append(f.queries, append([]string(nil), users...))
	err := f.queryErr
	result := f.result
	f.mu.Unlock()

	if f.blockUntil != nil {
		<-f.blockUntil
	}
	return result, err
}

func (f *fakeTransport) ClaimKeys(ctx context.Context, requests map[string]string) (ClaimKeysResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, requests)
	return f.claimResult, f.claimErr
}

func (f *fakeTransport) SendToDevice(ctx context.Context, events []OutgoingToDeviceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]OutgoingToDeviceEvent(nil), events...))
	return f.sendErr
}

func newTestKeyQueryCoordinator(t *testing.T) (*KeyQueryCoordinator, *DeviceRegistry, *fakeTransport) {
	t.Helper()
	registry := newTestDeviceRegistry(t)
	ft := &fakeTransport{}
	return NewKeyQueryCoordinator(registry, ft, testLogger()), registry, ft
}

func TestKeyQueryCoordinatorTickNoopWhenNothingPending(t *testing.T) {
	c, _, ft := newTestKeyQueryCoordinator(t)
	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(ft.queries) != 0 {
		t.Fatalf("expected no query issued, got %d", len(ft.queries))
	}
}

func TestKeyQueryCoordinatorCoalescesScheduledAndOutdatedUsers(t *testing.T) {
	c, registry, ft := newTestKeyQueryCoordinator(t)
	aliceKeys, _ := signedDeviceKeys(t, "@alice:example.org", "DEVICE1", "alice-curve-key")
	ft.result = QueryKeysResult{DeviceKeys: map[string]map[string]DeviceKeys{
		"@alice:example.org": {"DEVICE1": aliceKeys},
	}}

	registry.TrackIfNeeded([]string{"@alice:example.org"})
	registry.MarkOutdated([]string{"@alice:example.org"})
	c.ScheduleUpdate([]string{"@bob:example.org"})

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(ft.queries) != 1 {
		t.Fatalf("expected exactly one query, got %d", len(ft.queries))
	}

	seen := map[string]bool{}
	for _, u := range ft.queries[0] {
		seen[u] = true
	}
	if !seen["@alice:example.org"] || !seen["@bob:example.org"] {
		t.Fatalf("expected both users in the query, got %v", ft.queries[0])
	}

	// The response merged alice's keys, so she is no longer outdated; a
	// second tick with nothing new pending issues no further query.
	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(ft.queries) != 1 {
		t.Fatalf("expected no additional query on an empty tick, got %d", len(ft.queries))
	}
}

func TestKeyQueryCoordinatorCollapsesConcurrentTicks(t *testing.T) {
	c, _, ft := newTestKeyQueryCoordinator(t)
	ft.blockUntil = make(chan struct{})

	c.ScheduleUpdate([]string{"@alice:example.org"})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Tick(context.Background())
		}(i)
	}

	// Give the goroutines time to pile up behind the single in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(ft.blockUntil)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Tick[%d]: %v", i, err)
		}
	}
	if ft.maxInFlight.Load() > 1 {
		t.Fatalf("expected at most one QueryKeys call in flight, saw %d", ft.maxInFlight.Load())
	}
	if len(ft.queries) != 1 {
		t.Fatalf("expected the concurrent ticks to collapse into one query, got %d", len(ft.queries))
	}
}

func TestKeyQueryCoordinatorRetriesWhenEncryptionUpdateRequiredMidFlight(t *testing.T) {
	c, _, ft := newTestKeyQueryCoordinator(t)
	ft.blockUntil = make(chan struct{})

	c.ScheduleUpdate([]string{"@alice:example.org"})

	done := make(chan error, 1)
	go func() { done <- c.Tick(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	c.requireEncryptionUpdate()
	close(ft.blockUntil)

	if err := <-done; err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// onResponse observed encryptionUpdateRequired, so Tick issued exactly
	// one follow-up job.
	ft.mu.Lock()
	n := len(ft.queries)
	ft.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected a follow-up query after requireEncryptionUpdate, got %d queries", n)
	}
}

func TestKeyQueryCoordinatorOnResponseMergesDeviceKeys(t *testing.T) {
	c, registry, ft := newTestKeyQueryCoordinator(t)
	alice, _ := signedDeviceKeys(t, "@alice:example.org", "DEVICE1", "alice-curve-key")
	ft.result = QueryKeysResult{DeviceKeys: map[string]map[string]DeviceKeys{
		"@alice:example.org": {"DEVICE1": alice},
	}}

	registry.TrackIfNeeded([]string{"@alice:example.org"})
	registry.MarkOutdated([]string{"@alice:example.org"})

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if registry.IsOutdated("@alice:example.org") {
		t.Fatalf("expected alice to no longer be outdated after the query resolves")
	}
	curve, ok := registry.CurveKeyFor("@alice:example.org", "DEVICE1")
	if !ok || curve != "alice-curve-key" {
		t.Fatalf("expected alice's curve key to be stored, got %q ok=%v", curve, ok)
	}
}

func TestKeyQueryCoordinatorPropagatesTransportError(t *testing.T) {
	c, _, ft := newTestKeyQueryCoordinator(t)
	ft.queryErr = fmt.Errorf("network down")
	c.ScheduleUpdate([]string{"@alice:example.org"})

	err := c.Tick(context.Background())
	if err == nil {
		t.Fatalf("expected an error when the transport fails")
	}
}
