package anchor

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/models"
	"github.com/tradingstarllc/moltlaunch-verify/pkg/store"
)

// DefaultRetryCeiling is how many failed sweep attempts an entry gets before
// it is excluded from the active set. Exhausted entries stay in the table
// for manual inspection.
const DefaultRetryCeiling = 5

// DefaultSweepInterval paces the pending-anchor retry loop.
const DefaultSweepInterval = 60 * time.Second

type job struct {
	agentID string
	memo    string
}

// Dispatcher moves memos to the ledger without ever blocking or failing the
// foreground transition. On success AttachSignature records the external
// reference; on any failure the memo lands in the pending queue.
type Dispatcher struct {
	Ledger          Ledger
	Store           store.Store
	RetryCeiling    int
	DispatchTimeout time.Duration
	// AttachSignature persists the ledger reference on the agent or
	// extended-verification record. Errors are logged, not propagated.
	AttachSignature func(ctx context.Context, agentID, signature string) error
	// OnOutcome, when set, observes dispatch results: sent, failed, retried.
	OnOutcome func(outcome string)
	// OnAnchored, when set, receives the ledger signature for every memo
	// that landed, after the signature is persisted.
	OnAnchored func(agentID, signature string)

	queue chan job
}

func NewDispatcher(ledger Ledger, st store.Store, retryCeiling int, attach func(context.Context, string, string) error) *Dispatcher {
	if retryCeiling <= 0 {
		retryCeiling = DefaultRetryCeiling
	}
	return &Dispatcher{
		Ledger:          ledger,
		Store:           st,
		RetryCeiling:    retryCeiling,
		DispatchTimeout: 10 * time.Second,
		AttachSignature: attach,
		queue:           make(chan job, 256),
	}
}

// Enqueue hands a memo to the background worker. It never blocks: when the
// queue is full the memo goes straight to the pending table.
func (d *Dispatcher) Enqueue(agentID, memo string) {
	select {
	case d.queue <- job{agentID: agentID, memo: memo}:
	default:
		d.persistPending(context.Background(), agentID, memo)
	}
}

// Run drains the queue until ctx is cancelled. Start it once per process.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.dispatch(ctx, j.agentID, j.memo)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, agentID, memo string) {
	sendCtx, cancel := context.WithTimeout(ctx, d.DispatchTimeout)
	defer cancel()
	sig, err := d.Ledger.SendMemo(sendCtx, memo)
	if err != nil {
		d.observe("failed")
		d.persistPending(ctx, agentID, memo)
		return
	}
	d.observe("sent")
	d.attach(ctx, agentID, sig)
}

func (d *Dispatcher) observe(outcome string) {
	if d.OnOutcome != nil {
		d.OnOutcome(outcome)
	}
}

func (d *Dispatcher) attach(ctx context.Context, agentID, sig string) {
	if d.AttachSignature != nil {
		if err := d.AttachSignature(ctx, agentID, sig); err != nil {
			log.Printf("anchor: attach signature for %s: %v", agentID, err)
		}
	}
	if d.OnAnchored != nil {
		d.OnAnchored(agentID, sig)
	}
}

func (d *Dispatcher) persistPending(ctx context.Context, agentID, memo string) {
	err := d.Store.CreatePendingAnchor(ctx, models.PendingAnchor{
		AnchorID:  uuid.New().String(),
		AgentID:   agentID,
		Memo:      memo,
		Retries:   0,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		// Last resort: the memo is reproducible from the agent row, so losing
		// the queue entry degrades tamper-evidence, not correctness.
		log.Printf("anchor: queue memo for %s: %v", agentID, err)
	}
}

// Sweep runs one retry pass over pending entries still inside the ceiling.
// It returns how many entries were anchored. Safe to run concurrently with
// new transitions: it only touches its own table plus the narrow signature
// update.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	pending, err := d.Store.ListPendingAnchors(ctx, d.RetryCeiling)
	if err != nil {
		log.Printf("anchor: list pending: %v", err)
		return 0
	}
	anchored := 0
	for _, p := range pending {
		sendCtx, cancel := context.WithTimeout(ctx, d.DispatchTimeout)
		sig, err := d.Ledger.SendMemo(sendCtx, p.Memo)
		cancel()
		if err != nil {
			d.observe("retried")
			if _, incErr := d.Store.IncrementAnchorRetries(ctx, p.AnchorID); incErr != nil {
				log.Printf("anchor: bump retries %s: %v", p.AnchorID, incErr)
			}
			continue
		}
		if err := d.Store.DeletePendingAnchor(ctx, p.AnchorID); err != nil {
			log.Printf("anchor: remove pending %s: %v", p.AnchorID, err)
		}
		d.observe("sent")
		d.attach(ctx, p.AgentID, sig)
		anchored++
	}
	return anchored
}

// SweepLoop runs Sweep on a ticker until ctx is cancelled.
func (d *Dispatcher) SweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}
