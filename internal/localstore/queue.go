package localstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidkimdev/CS370-MediTrack-sub000/domain"
)

type pendingRow struct {
	Seq      int64  `db:"seq"`
	LocalID  string `db:"local_id"`
	Kind     string `db:"kind"`
	Payload  string `db:"payload"`
	QueuedAt string `db:"queued_at"`
}

// opFromRow decodes the payload for the kinds it knows. Rows with an
// unrecognized kind pass through with both payload pointers nil so the
// replay loop can count them as failed instead of losing them.
func opFromRow(r pendingRow) (domain.PendingOperation, error) {
	op := domain.PendingOperation{
		Seq:      r.Seq,
		LocalID:  r.LocalID,
		Kind:     r.Kind,
		QueuedAt: r.QueuedAt,
	}
	switch r.Kind {
	case domain.PendingKindDispense:
		var rec domain.DispensingRecord
		if err := json.Unmarshal([]byte(r.Payload), &rec); err != nil {
			return domain.PendingOperation{}, err
		}
		op.Dispense = &rec
	case domain.PendingKindLot:
		var lot domain.InventoryLot
		if err := json.Unmarshal([]byte(r.Payload), &lot); err != nil {
			return domain.PendingOperation{}, err
		}
		op.Lot = &lot
	}
	return op, nil
}

func (s *Store) enqueue(ctx context.Context, kind string, payload interface{}) (pendingRow, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return pendingRow{}, storageErr("enqueue "+kind, err)
	}
	row := pendingRow{
		LocalID:  "local-" + uuid.NewString(),
		Kind:     kind,
		Payload:  string(body),
		QueuedAt: time.Now().UTC().Format(time.RFC3339),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_operations (local_id, kind, payload, queued_at) VALUES (?, ?, ?, ?)`,
		row.LocalID, row.Kind, row.Payload, row.QueuedAt)
	if err != nil {
		return pendingRow{}, storageErr("enqueue "+kind, err)
	}
	row.Seq, err = res.LastInsertId()
	if err != nil {
		return pendingRow{}, storageErr("enqueue "+kind, err)
	}
	return row, nil
}

// EnqueueDispense appends an offline dispense to the queue and returns
// the stored entry, including its generated local id.
func (s *Store) EnqueueDispense(ctx context.Context, rec domain.DispensingRecord) (domain.PendingOperation, error) {
	row, err := s.enqueue(ctx, domain.PendingKindDispense, rec)
	if err != nil {
		return domain.PendingOperation{}, err
	}
	return domain.PendingOperation{
		Seq:      row.Seq,
		LocalID:  row.LocalID,
		Kind:     row.Kind,
		QueuedAt: row.QueuedAt,
		Dispense: &rec,
	}, nil
}

// EnqueueLot appends an offline lot-add to the queue.
func (s *Store) EnqueueLot(ctx context.Context, lot domain.InventoryLot) (domain.PendingOperation, error) {
	row, err := s.enqueue(ctx, domain.PendingKindLot, lot)
	if err != nil {
		return domain.PendingOperation{}, err
	}
	return domain.PendingOperation{
		Seq:      row.Seq,
		LocalID:  row.LocalID,
		Kind:     row.Kind,
		QueuedAt: row.QueuedAt,
		Lot:      &lot,
	}, nil
}

func (s *Store) selectPending(ctx context.Context, query string, args ...interface{}) ([]domain.PendingOperation, error) {
	var rows []pendingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storageErr("read pending queue", err)
	}
	ops := make([]domain.PendingOperation, 0, len(rows))
	for _, r := range rows {
		op, err := opFromRow(r)
		if err != nil {
			// One undecodable entry must not wedge the whole queue. It
			// stays in the table and in PendingCount.
			s.log.Warn("skipping undecodable pending entry",
				zap.String("local_id", r.LocalID),
				zap.String("kind", r.Kind),
				zap.Error(err))
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// PendingOperations returns the whole queue in enqueue order. Replay
// walks this unified order so a lot added offline before a dispense
// against it is created first.
func (s *Store) PendingOperations(ctx context.Context) ([]domain.PendingOperation, error) {
	return s.selectPending(ctx,
		`SELECT seq, local_id, kind, payload, queued_at FROM pending_operations ORDER BY seq`)
}

// PendingDispenses returns only the queued dispenses, in enqueue order.
func (s *Store) PendingDispenses(ctx context.Context) ([]domain.PendingOperation, error) {
	return s.selectPending(ctx,
		`SELECT seq, local_id, kind, payload, queued_at FROM pending_operations WHERE kind = ? ORDER BY seq`,
		domain.PendingKindDispense)
}

// PendingLots returns only the queued lot-adds, in enqueue order.
func (s *Store) PendingLots(ctx context.Context) ([]domain.PendingOperation, error) {
	return s.selectPending(ctx,
		`SELECT seq, local_id, kind, payload, queued_at FROM pending_operations WHERE kind = ? ORDER BY seq`,
		domain.PendingKindLot)
}

func (s *Store) removePending(ctx context.Context, kind, localID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE kind = ? AND local_id = ?`, kind, localID)
	if err != nil {
		return storageErr("remove pending "+kind, err)
	}
	return nil
}

// RemovePendingDispense deletes one replayed dispense from the queue.
// Removing an id that is already gone is a no-op, not an error.
func (s *Store) RemovePendingDispense(ctx context.Context, localID string) error {
	return s.removePending(ctx, domain.PendingKindDispense, localID)
}

// RemovePendingLot deletes one replayed lot-add from the queue.
func (s *Store) RemovePendingLot(ctx context.Context, localID string) error {
	return s.removePending(ctx, domain.PendingKindLot, localID)
}

// PendingCount returns the queue size across both kinds.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pending_operations`); err != nil {
		return 0, storageErr("count pending", err)
	}
	return n, nil
}
