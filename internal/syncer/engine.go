// Package syncer makes offline writes feel instantaneous and
// eventually consistent: optimistic local mutation plus a durable
// queue, replayed against the remote store when connectivity returns,
// with per-entry failure accounting.
package syncer

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/davidkimdev/CS370-MediTrack-sub000/domain"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/localstore"
)

// RemoteGateway is the slice of the remote store the engine replays
// queued operations against.
type RemoteGateway interface {
	CreateDispense(ctx context.Context, rec domain.DispensingRecord) (domain.DispensingRecord, error)
	CreateLot(ctx context.Context, lot domain.InventoryLot) (domain.InventoryLot, error)
	ReduceStock(ctx context.Context, medicationID string, amount int, preferredLot string) (int, error)
}

// Result is one flush's accounting. Failed entries stay queued; calling
// Flush again is the retry mechanism.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Engine owns the offline write path and the replay path. One flush
// runs at a time; a concurrent call returns an empty Result instead of
// overlapping replays.
type Engine struct {
	store    *localstore.Store
	remote   RemoteGateway
	log      *zap.Logger
	flushing atomic.Bool
}

func New(store *localstore.Store, remote RemoteGateway, log *zap.Logger) *Engine {
	return &Engine{store: store, remote: remote, log: log}
}

// QueueDispense applies the optimistic stock decrement, then persists
// the dispense to the queue. No network is touched; the returned entry
// carries the local id the UI shows while the write is unconfirmed.
func (e *Engine) QueueDispense(ctx context.Context, rec domain.DispensingRecord) (domain.PendingOperation, error) {
	if err := e.store.DecrementMedicationStock(ctx, rec.MedicationID, rec.Quantity); err != nil {
		return domain.PendingOperation{}, err
	}
	op, err := e.store.EnqueueDispense(ctx, rec)
	if err != nil {
		return domain.PendingOperation{}, err
	}
	e.log.Info("queued offline dispense",
		zap.String("local_id", op.LocalID),
		zap.String("medication_id", rec.MedicationID),
		zap.Int("amount", rec.Quantity))
	return op, nil
}

// QueueLot applies the optimistic stock increment, then persists the
// new lot to the queue.
func (e *Engine) QueueLot(ctx context.Context, lot domain.InventoryLot) (domain.PendingOperation, error) {
	if err := e.store.IncrementMedicationStock(ctx, lot.MedicationID, lot.QtyUnits); err != nil {
		return domain.PendingOperation{}, err
	}
	op, err := e.store.EnqueueLot(ctx, lot)
	if err != nil {
		return domain.PendingOperation{}, err
	}
	e.log.Info("queued offline lot",
		zap.String("local_id", op.LocalID),
		zap.String("medication_id", lot.MedicationID),
		zap.Int("qty_units", lot.QtyUnits))
	return op, nil
}

// Flush replays the queue in enqueue order, sequentially. Each entry
// either succeeds and is removed, or stays queued and counts as failed;
// one bad entry never aborts the batch. Safe to call speculatively on
// every reconnect: an empty queue is a no-op, and only entries still
// present are replayed, so repeated calls cannot duplicate remote
// records. The caller reloads the catalog afterward to reconcile
// optimistic numbers with authoritative ones.
func (e *Engine) Flush(ctx context.Context) (Result, error) {
	if !e.flushing.CompareAndSwap(false, true) {
		e.log.Debug("flush already in progress")
		return Result{}, nil
	}
	defer e.flushing.Store(false)

	ops, err := e.store.PendingOperations(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(ops) == 0 {
		return Result{}, nil
	}

	var res Result
	for _, op := range ops {
		var replayErr error
		switch op.Kind {
		case domain.PendingKindDispense:
			replayErr = e.replayDispense(ctx, op)
		case domain.PendingKindLot:
			replayErr = e.replayLot(ctx, op)
		default:
			e.log.Error("pending entry with unknown kind",
				zap.String("local_id", op.LocalID),
				zap.String("kind", op.Kind))
			res.Failed++
			continue
		}
		if replayErr != nil {
			res.Failed++
			e.log.Warn("replay failed, entry stays queued",
				zap.String("local_id", op.LocalID),
				zap.String("kind", op.Kind),
				zap.Error(replayErr))
			continue
		}
		res.Processed++
	}

	if res.Processed > 0 {
		if err := e.store.SetLastSync(ctx, time.Now()); err != nil {
			e.log.Warn("failed to record last sync", zap.Error(err))
		}
	}
	e.log.Info("flush finished",
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed))
	return res, nil
}

// replayDispense writes the audit record first and decrements inventory
// second. The two writes are not atomic: a decrement failure leaves the
// entry queued even though the record was written, so replay is
// at-least-once for the record and the queue is the durable account of
// work not yet finished.
func (e *Engine) replayDispense(ctx context.Context, op domain.PendingOperation) error {
	rec := *op.Dispense
	if _, err := e.remote.CreateDispense(ctx, rec); err != nil {
		return err
	}
	consumed, err := e.remote.ReduceStock(ctx, rec.MedicationID, rec.Quantity, rec.LotNumber)
	if err != nil {
		return err
	}
	if consumed < rec.Quantity {
		// The lots changed server-side while we were offline. The audit
		// record is kept and the shortfall is not rolled back.
		e.log.Warn("partial inventory decrement",
			zap.String("local_id", op.LocalID),
			zap.String("medication_id", rec.MedicationID),
			zap.String("lot_number", rec.LotNumber),
			zap.Int("requested", rec.Quantity),
			zap.Int("consumed", consumed))
	}
	return e.store.RemovePendingDispense(ctx, op.LocalID)
}

func (e *Engine) replayLot(ctx context.Context, op domain.PendingOperation) error {
	if _, err := e.remote.CreateLot(ctx, *op.Lot); err != nil {
		return err
	}
	return e.store.RemovePendingLot(ctx, op.LocalID)
}
