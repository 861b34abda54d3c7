package crypto

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// innerEventEnvelope is the shape of the plaintext recovered from a
// decrypted m.room.encrypted to-device payload.
type innerEventEnvelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// DispatchStats summarises one Dispatch (or Drain) pass for the caller
// to log/observe; it carries no errors of its own since per-event
// failures never abort the batch (spec.md §7 propagation rule).
type DispatchStats struct {
	Accepted     int
	Verification int
	Buffered     int
	Drained      int
	Dropped      int
}

// ToDevicePipeline processes a sync response's to-device events in
// order: verification events go straight to the VerificationSink;
// encrypted events are decrypted through OlmSessionManager and, once
// decrypted, dispatched again on their inner event type.
type ToDevicePipeline struct {
	olm          *OlmSessionManager
	megolm       *MegolmManager
	verification VerificationSink
	log          *slog.Logger

	ourCurveKey string
	bufferCap   int

	mu      sync.Mutex
	pending map[string][]ToDeviceEvent
	dropped map[string]uint64
}

func NewToDevicePipeline(olm *OlmSessionManager, megolm *MegolmManager, verification VerificationSink, ourCurveKey string, bufferCap int, log *slog.Logger) *ToDevicePipeline {
	if bufferCap <= 0 {
		bufferCap = defaultToDeviceBufferCap
	}
	return &ToDevicePipeline{
		olm:          olm,
		megolm:       megolm,
		verification: verification,
		log:          log,
		ourCurveKey:  ourCurveKey,
		bufferCap:    bufferCap,
		pending:      make(map[string][]ToDeviceEvent),
		dropped:      make(map[string]uint64),
	}
}

// Dispatch processes events in order, decrypting olm-encrypted events
// and dispatching their inner events, then drains any sender key whose
// session newly exists as a result of this batch. Returns the account
// pickle as it stands after any inbound pre-key handshakes (one-time
// keys consumed in this batch are reflected in it).
func (p *ToDevicePipeline) Dispatch(accountPickle []byte, events []ToDeviceEvent) ([]byte, DispatchStats, error) {
	var stats DispatchStats

	for _, evt := range events {
		switch {
		case isVerificationKind(evt.Kind):
			p.verification.HandleVerificationEvent(evt)
			stats.Verification++

		case evt.Kind == ToDeviceKindEncrypted:
			var content encryptedContent
			if err := json.Unmarshal(evt.Content, &content); err != nil {
				p.log.Warn("dropping malformed m.room.encrypted to-device event", "sender", evt.Sender, "err", err)
				stats.Dropped++
				continue
			}

			entry, ok := content.Ciphertext[p.ourCurveKey]
			if !ok {
				stats.Dropped++
				continue
			}

			if !p.olm.HasSession(content.SenderKey) && entry.Type != MessageTypePreKey {
				p.buffer(content.SenderKey, evt)
				stats.Buffered++
				continue
			}

			newPickle, accepted, dropped, err := p.decryptAndDispatch(accountPickle, content.SenderKey, entry)
			if err != nil {
				p.log.Warn("failed to decrypt to-device event", "sender", evt.Sender, "sender_key", content.SenderKey, "err", err)
				stats.Dropped++
				continue
			}
			accountPickle = newPickle
			stats.Accepted += accepted
			stats.Dropped += dropped

		default:
			stats.Dropped++
		}
	}

	drained, newPickle, err := p.drainReady(accountPickle)
	if err != nil {
		return accountPickle, stats, err
	}
	accountPickle = newPickle
	stats.Drained = drained

	return accountPickle, stats, nil
}

// decryptAndDispatch decrypts one olm ciphertext entry and dispatches
// its inner event; accepted counts inner events successfully handed on
// (m.room_key to MegolmManager, verification events to the sink), dropped counts inner events that failed to
// parse or had no handler.
func (p *ToDevicePipeline) decryptAndDispatch(accountPickle []byte, senderKey string, entry olmCiphertextEntry) (newAccountPickle []byte, accepted, dropped int, err error) {
	var plaintext []byte
	newAccountPickle = accountPickle

	switch entry.Type {
	case MessageTypePreKey:
		plaintext, newAccountPickle, err = p.olm.DecryptPreKey(accountPickle, senderKey, entry.Body)
	case MessageTypeNormal:
		plaintext, err = p.olm.DecryptNormal(senderKey, entry.Body)
	default:
		return accountPickle, 0, 1, nil
	}
	if err != nil {
		return accountPickle, 0, 0, err
	}

	var inner innerEventEnvelope
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return newAccountPickle, 0, 1, nil
	}

	switch inner.Type {
	case "m.room_key":
		var rk roomKeyContent
		if err := json.Unmarshal(inner.Content, &rk); err != nil {
			p.log.Warn("dropping malformed m.room_key", "err", err)
			return newAccountPickle, 0, 1, nil
		}
		if err := p.megolm.Accept(rk.RoomID, rk.SessionID, senderKey, rk.SessionKey); err != nil {
			p.log.Warn("failed to accept room key", "room", rk.RoomID, "session", rk.SessionID, "err", err)
			return newAccountPickle, 0, 1, nil
		}
		return newAccountPickle, 1, 0, nil

	default:
		if isVerificationTypeName(inner.Type) {
			p.verification.HandleVerificationEvent(ToDeviceEvent{
				Kind: classifyToDeviceType(inner.Type), Type: inner.Type, SenderKey: senderKey, Content: inner.Content,
			})
			return newAccountPickle, 1, 0, nil
		}
		return newAccountPickle, 0, 1, nil
	}
}

func isVerificationTypeName(t string) bool {
	return isVerificationKind(classifyToDeviceType(t))
}

// buffer appends evt to senderKey's pending queue, dropping the oldest
// entry and incrementing the per-sender dropped counter on overflow.
func (p *ToDevicePipeline) buffer(senderKey string, evt ToDeviceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.pending[senderKey]
	if len(q) >= p.bufferCap {
		q = q[1:]
		p.dropped[senderKey]++
		p.log.Warn("pendingEncryptedEvents overflow, dropping oldest", "sender_key", senderKey, "cap", p.bufferCap, "total_dropped", p.dropped[senderKey])
	}
	p.pending[senderKey] = append(q, evt)
}

// drainReady decrypts every buffered event for any sender key that now
// has an Olm session, in the order each event was buffered (Testable
// Property 6). Sender keys that still have no session are left
// untouched.
func (p *ToDevicePipeline) drainReady(accountPickle []byte) (int, []byte, error) {
	p.mu.Lock()
	ready := make(map[string][]ToDeviceEvent)
	for senderKey, q := range p.pending {
		if p.olm.HasSession(senderKey) && len(q) > 0 {
			ready[senderKey] = q
			delete(p.pending, senderKey)
		}
	}
	p.mu.Unlock()

	drained := 0
	for senderKey, q := range ready {
		for _, evt := range q {
			var content encryptedContent
			if err := json.Unmarshal(evt.Content, &content); err != nil {
				continue
			}
			entry, ok := content.Ciphertext[p.ourCurveKey]
			if !ok {
				continue
			}
			newPickle, accepted, _, err := p.decryptAndDispatch(accountPickle, senderKey, entry)
			if err != nil {
				p.log.Warn("failed to decrypt buffered to-device event", "sender_key", senderKey, "err", err)
				continue
			}
			accountPickle = newPickle
			drained += accepted
		}
	}
	return drained, accountPickle, nil
}

// PendingCount reports how many events are currently buffered for
// senderKey, for diagnostics/tests.
func (p *ToDevicePipeline) PendingCount(senderKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending[senderKey])
}
