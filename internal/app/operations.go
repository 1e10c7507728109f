package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidkimdev/CS370-MediTrack-sub000/domain"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/gateway"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/syncer"
)

// Status is the sync panel snapshot.
type Status struct {
	Online         bool       `json:"online"`
	Authenticated  bool       `json:"authenticated"`
	RealtimeActive bool       `json:"realtime_active"`
	PendingCount   int        `json:"pending_count"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
}

// Load fetches the full catalog with derived stock from the remote
// store and replaces the cache snapshot. When the remote is
// unreachable it falls back to the cached snapshot instead of failing.
func (a *App) Load(ctx context.Context) ([]domain.Medication, error) {
	rctx, cancel := context.WithTimeout(ctx, a.loadTimeout)
	meds, err := a.remote.Medications(rctx)
	cancel()
	if err != nil {
		a.log.Warn("remote catalog load failed, serving cached snapshot", zap.Error(err))
		return a.store.Medications(ctx)
	}
	if err := a.store.ReplaceMedications(ctx, meds); err != nil {
		a.log.Warn("catalog cache refresh failed", zap.Error(err))
	}
	return meds, nil
}

// Medications serves the catalog. The cached snapshot answers by
// default; refresh forces a remote load when online, and an empty cache
// triggers one load so a fresh install is not stuck empty.
func (a *App) Medications(ctx context.Context, refresh bool) ([]domain.Medication, error) {
	if refresh && a.Online() {
		return a.Load(ctx)
	}
	meds, err := a.store.Medications(ctx)
	if err != nil {
		return nil, err
	}
	if len(meds) == 0 && a.Online() {
		return a.Load(ctx)
	}
	return meds, nil
}

// Dispense records a dispense event. Stock is validated against the
// authoritative source for the current mode before anything is
// written. Online, the audit record and the lot decrement go straight
// to the remote store; offline, the cache is decremented and the
// operation queued. The queued flag tells callers which path ran, and
// the returned record carries a synthetic local id until sync.
func (a *App) Dispense(ctx context.Context, rec domain.DispensingRecord) (domain.DispensingRecord, bool, error) {
	if rec.LogDate == "" {
		rec.LogDate = time.Now().Format("2006-01-02")
	}

	online := a.Online()

	med, ok, err := a.store.Medication(ctx, rec.MedicationID)
	if err != nil {
		return domain.DispensingRecord{}, false, err
	}
	if ok && rec.MedicationName == "" {
		rec.MedicationName = med.Name
	}

	available := 0
	if online {
		available, err = a.remote.MedicationStock(ctx, rec.MedicationID)
		if err != nil {
			return domain.DispensingRecord{}, false, err
		}
	} else {
		if !ok {
			return domain.DispensingRecord{}, false, fmt.Errorf("medication %s not in offline cache: %w", rec.MedicationID, gateway.ErrNotFound)
		}
		available = med.CurrentStock
	}
	if available < rec.Quantity {
		return domain.DispensingRecord{}, false, fmt.Errorf("%w: requested %d, available %d", gateway.ErrInsufficientStock, rec.Quantity, available)
	}

	if !online {
		op, err := a.engine.QueueDispense(ctx, rec)
		if err != nil {
			return domain.DispensingRecord{}, false, err
		}
		rec.ID = op.LocalID
		a.recordDispenseHistory(ctx, rec)
		return rec, true, nil
	}

	created, err := a.remote.CreateDispense(ctx, rec)
	if err != nil {
		return domain.DispensingRecord{}, false, err
	}
	consumed, err := a.remote.ReduceStock(ctx, rec.MedicationID, rec.Quantity, rec.LotNumber)
	if err != nil {
		a.log.Warn("inventory decrement failed after record write",
			zap.String("record_id", created.ID),
			zap.String("medication_id", rec.MedicationID),
			zap.Error(err))
	} else if consumed < rec.Quantity {
		a.log.Warn("partial inventory decrement",
			zap.String("medication_id", rec.MedicationID),
			zap.Int("requested", rec.Quantity),
			zap.Int("consumed", consumed))
	}
	if consumed > 0 {
		if err := a.store.DecrementMedicationStock(ctx, rec.MedicationID, consumed); err != nil {
			a.log.Warn("cache stock update failed", zap.Error(err))
		}
	}
	a.recordDispenseHistory(ctx, created)
	return created, false, nil
}

func (a *App) recordDispenseHistory(ctx context.Context, rec domain.DispensingRecord) {
	fields := map[string]string{
		FieldPatientID:  rec.PatientID,
		FieldPhysician:  rec.PhysicianName,
		FieldStudent:    rec.StudentName,
		FieldClinicSite: rec.ClinicSite,
		FieldDose:       rec.DoseInstructions,
	}
	for field, value := range fields {
		if err := a.history.RecordValue(ctx, field, value); err != nil {
			a.log.Warn("field history write failed", zap.String("field", field), zap.Error(err))
		}
	}
}

// AddLot registers an inventory lot. Online it goes straight to the
// remote store; offline the cached stock is incremented and the lot
// queued for sync.
func (a *App) AddLot(ctx context.Context, lot domain.InventoryLot) (domain.InventoryLot, bool, error) {
	if !a.Online() {
		op, err := a.engine.QueueLot(ctx, lot)
		if err != nil {
			return domain.InventoryLot{}, false, err
		}
		lot.ID = op.LocalID
		return lot, true, nil
	}
	created, err := a.remote.CreateLot(ctx, lot)
	if err != nil {
		return domain.InventoryLot{}, false, err
	}
	if err := a.store.IncrementMedicationStock(ctx, lot.MedicationID, lot.QtyUnits); err != nil {
		a.log.Warn("cache stock update failed", zap.Error(err))
	}
	return created, false, nil
}

// Sync flushes the pending queue and reloads the catalog so remote
// state wins after replay.
func (a *App) Sync(ctx context.Context) (syncer.Result, error) {
	res, err := a.engine.Flush(ctx)
	if err != nil {
		return res, err
	}
	if _, err := a.Load(ctx); err != nil {
		a.log.Warn("post-sync reload failed", zap.Error(err))
	}
	return res, nil
}

// Status reports connectivity, queue depth and the last successful
// flush time.
func (a *App) Status(ctx context.Context) (Status, error) {
	a.mu.Lock()
	st := Status{Online: a.online, Authenticated: a.authenticated}
	a.mu.Unlock()
	st.RealtimeActive = a.listener.Active()

	count, err := a.store.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	st.PendingCount = count

	last, err := a.store.LastSync(ctx)
	if err != nil {
		return Status{}, err
	}
	if !last.IsZero() {
		st.LastSync = &last
	}
	return st, nil
}

// Records lists recent dispensing records from the remote store.
func (a *App) Records(ctx context.Context, limit int) ([]domain.DispensingRecord, error) {
	if !a.Online() {
		return nil, fmt.Errorf("dispensing records require connectivity: %w", gateway.ErrNetwork)
	}
	return a.remote.DispensingRecords(ctx, limit)
}

// UpdateRecord corrects the annotation fields of a dispensing record.
// Inventory is untouched; quantity or lot corrections go through
// WithdrawRecord and a fresh dispense.
func (a *App) UpdateRecord(ctx context.Context, id string, patch gateway.DispensePatch) (domain.DispensingRecord, error) {
	if !a.Online() {
		return domain.DispensingRecord{}, fmt.Errorf("record correction requires connectivity: %w", gateway.ErrNetwork)
	}
	return a.remote.UpdateDispense(ctx, id, patch)
}

// WithdrawRecord deletes a dispensing record and restores its quantity
// to the exact lot it came from. When that lot no longer exists the
// deletion stands and the stock stays unrestored, with a warning, so
// the audit trail and inventory never silently disagree.
func (a *App) WithdrawRecord(ctx context.Context, id string) error {
	if !a.Online() {
		return fmt.Errorf("record withdrawal requires connectivity: %w", gateway.ErrNetwork)
	}
	rec, err := a.remote.DispensingRecord(ctx, id)
	if err != nil {
		return err
	}
	if err := a.remote.DeleteDispense(ctx, id); err != nil {
		return err
	}

	restored := false
	if rec.LotNumber != "" {
		lots, err := a.remote.LotsForMedication(ctx, rec.MedicationID)
		if err != nil {
			a.log.Warn("lot lookup failed during withdrawal", zap.String("record_id", id), zap.Error(err))
		} else {
			for _, lot := range lots {
				if lot.LotNumber == rec.LotNumber {
					if err := a.remote.UpdateLotQuantity(ctx, lot.ID, lot.QtyUnits+rec.Quantity); err != nil {
						a.log.Warn("lot restore failed during withdrawal", zap.String("lot_id", lot.ID), zap.Error(err))
					} else {
						restored = true
					}
					break
				}
			}
		}
	}
	if !restored {
		a.log.Warn("withdrawn record's lot missing, stock not restored",
			zap.String("record_id", id),
			zap.String("medication_id", rec.MedicationID),
			zap.String("lot_number", rec.LotNumber))
	}

	if total, err := a.remote.MedicationStock(ctx, rec.MedicationID); err == nil {
		if err := a.store.UpdateMedicationStock(ctx, rec.MedicationID, total); err != nil {
			a.log.Warn("cache stock update failed", zap.Error(err))
		}
	}
	return nil
}

// Lots lists the inventory lots of one medication from the remote store.
func (a *App) Lots(ctx context.Context, medicationID string) ([]domain.InventoryLot, error) {
	if !a.Online() {
		return nil, fmt.Errorf("lot listing requires connectivity: %w", gateway.ErrNetwork)
	}
	return a.remote.LotsForMedication(ctx, medicationID)
}

// ExpiringLots lists stocked lots expiring within the window.
func (a *App) ExpiringLots(ctx context.Context, withinDays int) ([]domain.InventoryLot, error) {
	if !a.Online() {
		return nil, fmt.Errorf("expiry report requires connectivity: %w", gateway.ErrNetwork)
	}
	return a.remote.ExpiringLots(ctx, withinDays)
}
