package crosschain

import (
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"crosslend/core/events"
	"crosslend/native/lending"
	"crosslend/observability"
)

// DefaultHoldTimeout bounds how long an out-of-order message waits for its
// predecessor before the gap is escalated.
const DefaultHoldTimeout = 5 * time.Minute

// Applier is the ledger surface the reconciler drives. *lending.Ledger
// satisfies it directly.
type Applier interface {
	Credit(user, asset string, amount *big.Int) (*lending.Position, error)
	Debit(user, asset string, amount *big.Int) (*lending.Position, error)
	IncurDebt(user, asset string, amount *big.Int) (*lending.Position, error)
	RepayDebt(user, asset string, amount *big.Int) (*lending.Position, error)
}

// NonceStore persists the highest applied nonce per source chain. Watermarks
// survive restarts so replayed deliveries stay idempotent.
type NonceStore interface {
	GetWatermark(source string) (uint64, error)
	SetWatermark(source string, nonce uint64) error
}

// GapAlert describes a nonce gap that outlived the ordering hold.
type GapAlert struct {
	Source        string
	MissingNonce  uint64
	BlockedNonces []uint64
	DetectedAt    time.Time
}

// AlertSink persists gap alerts for operator follow-up.
type AlertSink interface {
	RecordGap(alert *GapAlert) error
}

type heldMessage struct {
	msg    *Message
	heldAt time.Time
}

// Reconciler applies inbound cross-chain messages to the ledger in per-source
// nonce order. Duplicates are ignored, out-of-order arrivals are held for a
// bounded window, and holds that outlive the window escalate to a suspected
// gap alert.
type Reconciler struct {
	applier Applier
	nonces  NonceStore
	alerts  AlertSink
	emitter events.Emitter
	log     *slog.Logger
	now     func() time.Time

	holdTimeout time.Duration
	sources     map[string]struct{}

	mu      sync.Mutex
	held    map[string]map[uint64]*heldMessage
	alerted map[string]uint64
}

// NewReconciler constructs a reconciler trusting exactly the given source
// chains.
func NewReconciler(applier Applier, nonces NonceStore, sources []string) *Reconciler {
	trusted := make(map[string]struct{}, len(sources))
	for _, source := range sources {
		trusted[source] = struct{}{}
	}
	return &Reconciler{
		applier:     applier,
		nonces:      nonces,
		emitter:     events.NoopEmitter{},
		log:         slog.Default(),
		now:         time.Now,
		holdTimeout: DefaultHoldTimeout,
		sources:     trusted,
		held:        make(map[string]map[uint64]*heldMessage),
		alerted:     make(map[string]uint64),
	}
}

// SetAlertSink wires the sink that persists suspected gap alerts.
func (r *Reconciler) SetAlertSink(sink AlertSink) {
	if r == nil {
		return
	}
	r.alerts = sink
}

// SetEmitter wires the event sink.
func (r *Reconciler) SetEmitter(emitter events.Emitter) {
	if r == nil || emitter == nil {
		return
	}
	r.emitter = emitter
}

// SetLogger overrides the structured logger.
func (r *Reconciler) SetLogger(log *slog.Logger) {
	if r == nil || log == nil {
		return
	}
	r.log = log
}

// SetHoldTimeout overrides the out-of-order hold window.
func (r *Reconciler) SetHoldTimeout(timeout time.Duration) {
	if r == nil || timeout <= 0 {
		return
	}
	r.holdTimeout = timeout
}

// SetClock overrides the time source. Intended for tests.
func (r *Reconciler) SetClock(now func() time.Time) {
	if r == nil || now == nil {
		return
	}
	r.now = now
}

// Submit routes one inbound message. The returned status is terminal for this
// delivery; a held message resolves later through the drain triggered by its
// predecessor, or through Sweep when the predecessor never arrives.
func (r *Reconciler) Submit(msg *Message) (Status, error) {
	metrics := observability.Reconciler()
	if r == nil || r.applier == nil || r.nonces == nil {
		return StatusRejected, fmt.Errorf("crosschain: reconciler not configured")
	}
	if err := msg.Validate(); err != nil {
		metrics.ObserveMessage(string(StatusRejected))
		return StatusRejected, err
	}
	if _, ok := r.sources[msg.SourceChain]; !ok {
		metrics.ObserveMessage(string(StatusRejected))
		return StatusRejected, fmt.Errorf("%w: %s", ErrUnknownSource, msg.SourceChain)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	watermark, err := r.nonces.GetWatermark(msg.SourceChain)
	if err != nil {
		return StatusRejected, err
	}

	switch {
	case msg.Nonce <= watermark:
		// Duplicate delivery. Bridges retry aggressively; this is routine.
		r.emitter.Emit(events.MessageReplayed{SourceChain: msg.SourceChain, Nonce: msg.Nonce})
		metrics.ObserveMessage(string(StatusDuplicateIgnored))
		return StatusDuplicateIgnored, nil
	case msg.Nonce == watermark+1:
		if err := r.applyLocked(msg); err != nil {
			return StatusRejected, err
		}
		r.drainLocked(msg.SourceChain)
		metrics.ObserveMessage(string(StatusApplied))
		return StatusApplied, nil
	default:
		bucket, ok := r.held[msg.SourceChain]
		if !ok {
			bucket = make(map[uint64]*heldMessage)
			r.held[msg.SourceChain] = bucket
		}
		if _, ok := bucket[msg.Nonce]; !ok {
			bucket[msg.Nonce] = &heldMessage{msg: msg, heldAt: r.now()}
		}
		metrics.ObservePending(r.pendingLocked())
		r.log.Warn("holding out-of-order message",
			"source", msg.SourceChain, "nonce", msg.Nonce, "watermark", watermark)
		return StatusPendingOrder, nil
	}
}

// applyLocked applies one in-order message and advances the watermark. The
// nonce is consumed even when the ledger rejects the mutation so a single bad
// message cannot wedge the whole stream behind it.
func (r *Reconciler) applyLocked(msg *Message) error {
	var applyErr error
	switch msg.Action {
	case ActionDeposit:
		_, applyErr = r.applier.Credit(msg.User, msg.Asset, msg.Amount)
	case ActionWithdraw:
		_, applyErr = r.applier.Debit(msg.User, msg.Asset, msg.Amount)
	case ActionBorrow:
		_, applyErr = r.applier.IncurDebt(msg.User, msg.Asset, msg.Amount)
	case ActionRepay:
		_, applyErr = r.applier.RepayDebt(msg.User, msg.Asset, msg.Amount)
	default:
		applyErr = fmt.Errorf("%w: unsupported action %q", ErrMalformedMessage, msg.Action)
	}

	if err := r.nonces.SetWatermark(msg.SourceChain, msg.Nonce); err != nil {
		return err
	}
	delete(r.alerted, msg.SourceChain)

	if applyErr != nil {
		r.log.Warn("message consumed but not applied",
			"source", msg.SourceChain, "nonce", msg.Nonce, "action", msg.Action, "err", applyErr)
		return applyErr
	}
	r.emitter.Emit(events.MessageApplied{
		SourceChain: msg.SourceChain,
		DestChain:   msg.DestChain,
		Nonce:       msg.Nonce,
		User:        msg.User,
		Receiver:    msg.Receiver,
		Action:      string(msg.Action),
		Asset:       msg.Asset,
		Amount:      new(big.Int).Set(msg.Amount),
	})
	return nil
}

// drainLocked applies any held successors that became in-order.
func (r *Reconciler) drainLocked(source string) {
	metrics := observability.Reconciler()
	bucket := r.held[source]
	for {
		watermark, err := r.nonces.GetWatermark(source)
		if err != nil {
			r.log.Error("watermark read failed during drain", "source", source, "err", err)
			return
		}
		next, ok := bucket[watermark+1]
		if !ok {
			break
		}
		delete(bucket, watermark+1)
		if err := r.applyLocked(next.msg); err != nil {
			metrics.ObserveMessage(string(StatusRejected))
		} else {
			metrics.ObserveMessage(string(StatusApplied))
		}
	}
	if len(bucket) == 0 {
		delete(r.held, source)
	}
	metrics.ObservePending(r.pendingLocked())
}

func (r *Reconciler) pendingLocked() int {
	total := 0
	for _, bucket := range r.held {
		total += len(bucket)
	}
	return total
}

// Pending returns the nonces currently held for the source, sorted ascending.
func (r *Reconciler) Pending(source string) []uint64 {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.held[source]
	nonces := make([]uint64, 0, len(bucket))
	for nonce := range bucket {
		nonces = append(nonces, nonce)
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	return nonces
}

// Sweep escalates holds that outlived the ordering window. Each missing nonce
// is alerted once; the held messages stay queued so a late predecessor can
// still unblock them.
func (r *Reconciler) Sweep() []*GapAlert {
	if r == nil {
		return nil
	}
	metrics := observability.Reconciler()
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var raised []*GapAlert
	for source, bucket := range r.held {
		expired := false
		for _, held := range bucket {
			if now.Sub(held.heldAt) > r.holdTimeout {
				expired = true
				break
			}
		}
		if !expired {
			continue
		}
		watermark, err := r.nonces.GetWatermark(source)
		if err != nil {
			r.log.Error("watermark read failed during sweep", "source", source, "err", err)
			continue
		}
		missing := watermark + 1
		if r.alerted[source] == missing {
			continue
		}

		blocked := make([]uint64, 0, len(bucket))
		for nonce := range bucket {
			blocked = append(blocked, nonce)
		}
		sort.Slice(blocked, func(i, j int) bool { return blocked[i] < blocked[j] })

		alert := &GapAlert{
			Source:        source,
			MissingNonce:  missing,
			BlockedNonces: blocked,
			DetectedAt:    now,
		}
		r.alerted[source] = missing
		raised = append(raised, alert)

		r.emitter.Emit(events.SuspectedGap{
			SourceChain:   source,
			MissingNonce:  missing,
			BlockedNonces: append([]uint64(nil), blocked...),
		})
		metrics.ObserveMessage(string(StatusSuspectedGap))
		r.log.Error("suspected nonce gap",
			"source", source, "missing_nonce", missing, "blocked", len(blocked))
		if r.alerts != nil {
			if err := r.alerts.RecordGap(alert); err != nil {
				r.log.Error("gap alert persist failed", "source", source, "err", err)
			}
		}
	}
	return raised
}
