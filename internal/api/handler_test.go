package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/davidkimdev/CS370-MediTrack-sub000/domain"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/app"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/gateway"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/history"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/localstore"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/migrations"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/syncer"
)

type fakeGateway struct {
	mu      sync.Mutex
	meds    []domain.Medication
	stock   map[string]int
	lots    map[string][]domain.InventoryLot
	records map[string]domain.DispensingRecord
	nextID  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		stock:   make(map[string]int),
		lots:    make(map[string][]domain.InventoryLot),
		records: make(map[string]domain.DispensingRecord),
	}
}

func (f *fakeGateway) setMedication(id, name string, stock int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meds = append(f.meds, domain.Medication{ID: id, Name: name})
	f.stock[id] = stock
}

func (f *fakeGateway) Medications(ctx context.Context) ([]domain.Medication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Medication, 0, len(f.meds))
	for _, m := range f.meds {
		m.CurrentStock = f.stock[m.ID]
		m.IsAvailable = m.CurrentStock > 0
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeGateway) MedicationStock(ctx context.Context, medicationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stock[medicationID], nil
}

func (f *fakeGateway) LotsForMedication(ctx context.Context, medicationID string) ([]domain.InventoryLot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.InventoryLot(nil), f.lots[medicationID]...), nil
}

func (f *fakeGateway) CreateLot(ctx context.Context, lot domain.InventoryLot) (domain.InventoryLot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	lot.ID = fmt.Sprintf("srv-lot-%d", f.nextID)
	f.lots[lot.MedicationID] = append(f.lots[lot.MedicationID], lot)
	f.stock[lot.MedicationID] += lot.QtyUnits
	return lot, nil
}

func (f *fakeGateway) UpdateLotQuantity(ctx context.Context, lotID string, qtyUnits int) error {
	return nil
}

func (f *fakeGateway) ExpiringLots(ctx context.Context, withinDays int) ([]domain.InventoryLot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.InventoryLot
	for _, lots := range f.lots {
		out = append(out, lots...)
	}
	return out, nil
}

func (f *fakeGateway) CreateDispense(ctx context.Context, rec domain.DispensingRecord) (domain.DispensingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.ID = fmt.Sprintf("srv-rec-%d", f.nextID)
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *fakeGateway) DispensingRecords(ctx context.Context, limit int) ([]domain.DispensingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DispensingRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeGateway) DispensingRecord(ctx context.Context, id string) (domain.DispensingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return domain.DispensingRecord{}, gateway.ErrNotFound
	}
	return rec, nil
}

func (f *fakeGateway) UpdateDispense(ctx context.Context, id string, patch gateway.DispensePatch) (domain.DispensingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return domain.DispensingRecord{}, gateway.ErrNotFound
	}
	if patch.Notes != nil {
		rec.Notes = *patch.Notes
	}
	f.records[id] = rec
	return rec, nil
}

func (f *fakeGateway) DeleteDispense(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *fakeGateway) ReduceStock(ctx context.Context, medicationID string, amount int, preferredLot string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	consumed := min(amount, f.stock[medicationID])
	f.stock[medicationID] -= consumed
	return consumed, nil
}

func (f *fakeGateway) Ping(ctx context.Context) error { return nil }

type fakeListener struct{}

func (fakeListener) Start(ctx context.Context) error { return nil }
func (fakeListener) Stop()                           {}
func (fakeListener) Active() bool                    { return false }

func newTestRouter(t *testing.T, remote *fakeGateway) (http.Handler, *app.App, *localstore.Store) {
	t.Helper()
	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	migrations.Run(db)

	store := localstore.New(db, zap.NewNop())
	recorder := history.NewRecorder(db, zap.NewNop(), 50, 2)
	engine := syncer.New(store, remote, zap.NewNop())
	a := app.New(store, remote, engine, recorder, fakeListener{}, "", 5*time.Second, zap.NewNop())
	return New(a, recorder).Router(), a, store
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func seedCache(t *testing.T, store *localstore.Store, id, name string, stock int) {
	t.Helper()
	require.NoError(t, store.ReplaceMedications(context.Background(), []domain.Medication{{
		ID: id, Name: name, CurrentStock: stock, IsAvailable: stock > 0,
	}}))
}

func TestHealth(t *testing.T) {
	router, _, _ := newTestRouter(t, newFakeGateway())
	rr := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestListMedicationsFromCache(t *testing.T) {
	router, _, store := newTestRouter(t, newFakeGateway())
	seedCache(t, store, "m1", "Amoxicillin", 12)

	rr := doJSON(t, router, http.MethodGet, "/medications", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var meds []domain.Medication
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &meds))
	require.Len(t, meds, 1)
	require.Equal(t, "Amoxicillin", meds[0].Name)
	require.Equal(t, 12, meds[0].CurrentStock)
}

func TestDispenseValidation(t *testing.T) {
	router, _, _ := newTestRouter(t, newFakeGateway())

	rr := doJSON(t, router, http.MethodPost, "/dispense", map[string]any{
		"medication_id": "m1", "amount_dispensed": 5,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/dispense", map[string]any{
		"patient_id": "P-1", "medication_id": "m1", "amount_dispensed": 0,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/dispense", map[string]any{
		"patient_id": "P-1", "medication_id": "m1", "amount_dispensed": 5, "bogus": true,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDispenseQueuesWhileOffline(t *testing.T) {
	router, _, store := newTestRouter(t, newFakeGateway())
	seedCache(t, store, "m1", "Amoxicillin", 20)

	rr := doJSON(t, router, http.MethodPost, "/dispense", map[string]any{
		"patient_id":       "P-1001",
		"medication_id":    "m1",
		"amount_dispensed": 5,
		"dispensed_by":     "jdoe",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp struct {
		Record domain.DispensingRecord `json:"record"`
		Queued bool                    `json:"queued"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Queued)
	require.True(t, strings.HasPrefix(resp.Record.ID, "local-"))

	m, _, err := store.Medication(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, 15, m.CurrentStock)
}

func TestDispenseInsufficientStockConflict(t *testing.T) {
	router, _, store := newTestRouter(t, newFakeGateway())
	seedCache(t, store, "m1", "Amoxicillin", 3)

	rr := doJSON(t, router, http.MethodPost, "/dispense", map[string]any{
		"patient_id": "P-1", "medication_id": "m1", "amount_dispensed": 7,
	})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), "insufficient stock")
}

func TestRecordsUnavailableOffline(t *testing.T) {
	router, _, _ := newTestRouter(t, newFakeGateway())
	rr := doJSON(t, router, http.MethodGet, "/records", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestWithdrawUnknownRecord(t *testing.T) {
	remote := newFakeGateway()
	router, a, _ := newTestRouter(t, remote)
	a.SetOnline(context.Background(), true)

	rr := doJSON(t, router, http.MethodDelete, "/records/ghost", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUpdateRecordRejectsUnknownFields(t *testing.T) {
	remote := newFakeGateway()
	remote.records["r1"] = domain.DispensingRecord{ID: "r1", MedicationID: "m1", Quantity: 2}
	router, a, _ := newTestRouter(t, remote)
	a.SetOnline(context.Background(), true)

	rr := doJSON(t, router, http.MethodPut, "/records/r1", map[string]any{
		"amount_dispensed": 99,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPut, "/records/r1", map[string]any{
		"notes": "clarified dosage",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var rec domain.DispensingRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.Equal(t, "clarified dosage", rec.Notes)
}

func TestAddLotValidation(t *testing.T) {
	router, _, _ := newTestRouter(t, newFakeGateway())

	rr := doJSON(t, router, http.MethodPost, "/inventory/lots", map[string]any{
		"medication_id": "m1", "lot_number": "L1", "qty_units": 0, "expiration_date": "2027-01-01",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/inventory/lots", map[string]any{
		"medication_id": "m1", "lot_number": "L1", "qty_units": 10, "expiration_date": "01/06/2027",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "YYYY-MM-DD")
}

func TestAddLotQueuesWhileOffline(t *testing.T) {
	router, _, store := newTestRouter(t, newFakeGateway())
	seedCache(t, store, "m1", "Amoxicillin", 10)

	rr := doJSON(t, router, http.MethodPost, "/inventory/lots", map[string]any{
		"medication_id": "m1", "lot_number": "N1", "qty_units": 40, "expiration_date": "2027-06-01",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp struct {
		Lot    domain.InventoryLot `json:"lot"`
		Queued bool                `json:"queued"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Queued)

	m, _, err := store.Medication(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, 50, m.CurrentStock)
}

func TestSyncFlushesQueue(t *testing.T) {
	remote := newFakeGateway()
	remote.setMedication("m1", "Amoxicillin", 20)
	router, _, store := newTestRouter(t, remote)
	seedCache(t, store, "m1", "Amoxicillin", 20)

	rr := doJSON(t, router, http.MethodPost, "/dispense", map[string]any{
		"patient_id": "P-1", "medication_id": "m1", "amount_dispensed": 5,
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/sync", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"processed":1,"failed":0}`, rr.Body.String())

	rr = doJSON(t, router, http.MethodGet, "/sync/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var st app.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.Zero(t, st.PendingCount)
	require.NotNil(t, st.LastSync)
}

func TestSyncStatusReportsQueueDepth(t *testing.T) {
	router, _, store := newTestRouter(t, newFakeGateway())
	seedCache(t, store, "m1", "Amoxicillin", 20)

	doJSON(t, router, http.MethodPost, "/dispense", map[string]any{
		"patient_id": "P-1", "medication_id": "m1", "amount_dispensed": 2,
	})

	rr := doJSON(t, router, http.MethodGet, "/sync/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var st app.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.Equal(t, 1, st.PendingCount)
	require.False(t, st.Online)
	require.Nil(t, st.LastSync)
}

func TestFieldSuggestionsRoundTrip(t *testing.T) {
	router, _, store := newTestRouter(t, newFakeGateway())
	seedCache(t, store, "m1", "Amoxicillin", 20)

	doJSON(t, router, http.MethodPost, "/dispense", map[string]any{
		"patient_id": "P-1001", "medication_id": "m1", "amount_dispensed": 1,
	})

	rr := doJSON(t, router, http.MethodGet, "/history/"+app.FieldPatientID+"?q=P-", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var entries []domain.FieldHistoryEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "P-1001", entries[0].Value)

	rr = doJSON(t, router, http.MethodDelete, "/history/"+app.FieldPatientID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/history/"+app.FieldPatientID+"?q=P-", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `[]`, rr.Body.String())
}

func TestExpiryAlertOffline(t *testing.T) {
	router, _, _ := newTestRouter(t, newFakeGateway())
	rr := doJSON(t, router, http.MethodGet, "/inventory/expiry-alert?days=30", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
