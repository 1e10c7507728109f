// Package gateway is the typed adapter over the remote persistence
// service: medications, inventory lots and dispensing records, reached
// through its REST surface. It owns the stock-aggregation computation
// and the multi-lot decrement; it performs no retries of its own, retry
// for queued writes belongs to the sync engine.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/davidkimdev/CS370-MediTrack-sub000/domain"
)

const defaultRecordLimit = 100

// Client talks to the remote store. Construct once and share; the
// underlying HTTP client is safe for concurrent use.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("apikey", apiKey).
		SetAuthToken(apiKey)
	return &Client{http: httpClient, log: log}
}

func (c *Client) do(ctx context.Context, req *resty.Request, method, path string) (*resty.Response, error) {
	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		c.log.Error("remote call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s %s: %w: %v", method, path, ErrNetwork, err)
	}
	if resp.IsError() {
		remoteErr := &RemoteError{Status: resp.StatusCode(), Message: remoteMessage(resp.Body())}
		c.log.Error("remote call rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", remoteErr.Status),
			zap.String("message", remoteErr.Message),
		)
		return nil, fmt.Errorf("%s %s: %w", method, path, remoteErr)
	}
	return resp, nil
}

func remoteMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}

// Medications fetches the catalog with derived stock: the medication
// rows and all inventory rows in two queries, then the per-medication
// lot sum attached as CurrentStock. Expired lots still count. Stock is
// never read from the medication row itself.
func (c *Client) Medications(ctx context.Context) ([]domain.Medication, error) {
	var medRows []medicationRow
	_, err := c.do(ctx, c.http.R().
		SetQueryParam("select", "id,name,strength,dosage_form,categories,updated_at").
		SetQueryParam("order", "name.asc").
		SetResult(&medRows), resty.MethodGet, "/rest/v1/medications")
	if err != nil {
		return nil, err
	}

	var lots []domain.InventoryLot
	_, err = c.do(ctx, c.http.R().
		SetQueryParam("select", "medication_id,qty_units").
		SetResult(&lots), resty.MethodGet, "/rest/v1/inventory")
	if err != nil {
		return nil, err
	}

	totals := make(map[string]int, len(medRows))
	for _, lot := range lots {
		totals[lot.MedicationID] += lot.QtyUnits
	}
	meds := make([]domain.Medication, 0, len(medRows))
	for _, r := range medRows {
		meds = append(meds, medicationFromRow(r, totals[r.ID]))
	}
	return meds, nil
}

// MedicationStock returns the current lot sum for one medication.
func (c *Client) MedicationStock(ctx context.Context, medicationID string) (int, error) {
	var lots []domain.InventoryLot
	_, err := c.do(ctx, c.http.R().
		SetQueryParam("select", "qty_units").
		SetQueryParam("medication_id", "eq."+medicationID).
		SetResult(&lots), resty.MethodGet, "/rest/v1/inventory")
	if err != nil {
		return 0, err
	}
	total := 0
	for _, lot := range lots {
		total += lot.QtyUnits
	}
	return total, nil
}

// LotsForMedication returns a medication's lots, soonest expiration
// first.
func (c *Client) LotsForMedication(ctx context.Context, medicationID string) ([]domain.InventoryLot, error) {
	var lots []domain.InventoryLot
	_, err := c.do(ctx, c.http.R().
		SetQueryParam("select", "*").
		SetQueryParam("medication_id", "eq."+medicationID).
		SetQueryParam("order", "expiration_date.asc").
		SetResult(&lots), resty.MethodGet, "/rest/v1/inventory")
	if err != nil {
		return nil, err
	}
	return lots, nil
}

// CreateLot inserts a new inventory lot and returns the stored row.
func (c *Client) CreateLot(ctx context.Context, lot domain.InventoryLot) (domain.InventoryLot, error) {
	var created []domain.InventoryLot
	_, err := c.do(ctx, c.http.R().
		SetHeader("Prefer", "return=representation").
		SetBody(lotInsertFrom(lot)).
		SetResult(&created), resty.MethodPost, "/rest/v1/inventory")
	if err != nil {
		return domain.InventoryLot{}, err
	}
	if len(created) == 0 {
		return domain.InventoryLot{}, fmt.Errorf("create lot: %w", ErrRemoteRejected)
	}
	c.log.Info("created remote lot",
		zap.String("lot_id", created[0].ID),
		zap.String("medication_id", created[0].MedicationID),
		zap.Int("qty_units", created[0].QtyUnits),
	)
	return created[0], nil
}

// UpdateLotQuantity sets one lot's quantity.
func (c *Client) UpdateLotQuantity(ctx context.Context, lotID string, qtyUnits int) error {
	body := struct {
		QtyUnits int `json:"qty_units"`
	}{QtyUnits: qtyUnits}
	_, err := c.do(ctx, c.http.R().
		SetQueryParam("id", "eq."+lotID).
		SetBody(body), resty.MethodPatch, "/rest/v1/inventory")
	return err
}

// DeleteLot removes one lot.
func (c *Client) DeleteLot(ctx context.Context, lotID string) error {
	_, err := c.do(ctx, c.http.R().
		SetQueryParam("id", "eq."+lotID), resty.MethodDelete, "/rest/v1/inventory")
	if err != nil {
		return err
	}
	c.log.Info("deleted remote lot", zap.String("lot_id", lotID))
	return nil
}

// ExpiringLots returns stocked lots expiring within the given number of
// days, soonest first.
func (c *Client) ExpiringLots(ctx context.Context, withinDays int) ([]domain.InventoryLot, error) {
	cutoff := time.Now().AddDate(0, 0, withinDays).Format("2006-01-02")
	var lots []domain.InventoryLot
	_, err := c.do(ctx, c.http.R().
		SetQueryParam("select", "*").
		SetQueryParam("expiration_date", "lte."+cutoff).
		SetQueryParam("qty_units", "gt.0").
		SetQueryParam("order", "expiration_date.asc").
		SetResult(&lots), resty.MethodGet, "/rest/v1/inventory")
	if err != nil {
		return nil, err
	}
	return lots, nil
}

// ReduceStock removes amount units from a medication's lots, preferring
// an exact lot-number match and falling back to the remaining lots in
// ascending expiration order, consuming each lot fully before moving
// on. Already-committed lot writes are never rolled back; the returned
// count says how much was actually removed, and callers decide whether
// a shortfall is an error (interactive writes pre-validate stock) or a
// logged warning (queued replay).
func (c *Client) ReduceStock(ctx context.Context, medicationID string, amount int, preferredLot string) (int, error) {
	if amount <= 0 {
		return 0, nil
	}
	lots, err := c.LotsForMedication(ctx, medicationID)
	if err != nil {
		return 0, err
	}

	ordered := make([]domain.InventoryLot, 0, len(lots))
	if preferredLot != "" {
		for _, lot := range lots {
			if lot.LotNumber == preferredLot {
				ordered = append(ordered, lot)
			}
		}
	}
	for _, lot := range lots {
		if preferredLot == "" || lot.LotNumber != preferredLot {
			ordered = append(ordered, lot)
		}
	}

	remaining := amount
	consumed := 0
	for _, lot := range ordered {
		if remaining == 0 {
			break
		}
		if lot.QtyUnits <= 0 {
			continue
		}
		take := lot.QtyUnits
		if take > remaining {
			take = remaining
		}
		if err := c.UpdateLotQuantity(ctx, lot.ID, lot.QtyUnits-take); err != nil {
			return consumed, err
		}
		remaining -= take
		consumed += take
	}
	c.log.Info("reduced remote stock",
		zap.String("medication_id", medicationID),
		zap.Int("requested", amount),
		zap.Int("consumed", consumed),
		zap.String("preferred_lot", preferredLot),
	)
	return consumed, nil
}

// CreateDispense writes one audit record and returns the stored row.
func (c *Client) CreateDispense(ctx context.Context, rec domain.DispensingRecord) (domain.DispensingRecord, error) {
	var created []domain.DispensingRecord
	_, err := c.do(ctx, c.http.R().
		SetHeader("Prefer", "return=representation").
		SetBody(dispenseInsertFrom(rec)).
		SetResult(&created), resty.MethodPost, "/rest/v1/dispensing_logs")
	if err != nil {
		return domain.DispensingRecord{}, err
	}
	if len(created) == 0 {
		return domain.DispensingRecord{}, fmt.Errorf("create dispense: %w", ErrRemoteRejected)
	}
	c.log.Info("created remote dispensing record",
		zap.String("record_id", created[0].ID),
		zap.String("medication_id", created[0].MedicationID),
		zap.Int("amount", created[0].Quantity),
	)
	return created[0], nil
}

// DispensingRecords returns the newest records, capped at limit.
func (c *Client) DispensingRecords(ctx context.Context, limit int) ([]domain.DispensingRecord, error) {
	if limit <= 0 {
		limit = defaultRecordLimit
	}
	var records []domain.DispensingRecord
	_, err := c.do(ctx, c.http.R().
		SetQueryParam("select", "*").
		SetQueryParam("order", "created_at.desc").
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&records), resty.MethodGet, "/rest/v1/dispensing_logs")
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DispensingRecord returns one record by id.
func (c *Client) DispensingRecord(ctx context.Context, id string) (domain.DispensingRecord, error) {
	var records []domain.DispensingRecord
	_, err := c.do(ctx, c.http.R().
		SetQueryParam("select", "*").
		SetQueryParam("id", "eq."+id).
		SetResult(&records), resty.MethodGet, "/rest/v1/dispensing_logs")
	if err != nil {
		return domain.DispensingRecord{}, err
	}
	if len(records) == 0 {
		return domain.DispensingRecord{}, fmt.Errorf("dispensing record %s: %w", id, ErrNotFound)
	}
	return records[0], nil
}

// UpdateDispense applies a clerical patch to one record and returns the
// updated row.
func (c *Client) UpdateDispense(ctx context.Context, id string, patch DispensePatch) (domain.DispensingRecord, error) {
	var updated []domain.DispensingRecord
	_, err := c.do(ctx, c.http.R().
		SetHeader("Prefer", "return=representation").
		SetQueryParam("id", "eq."+id).
		SetBody(patch).
		SetResult(&updated), resty.MethodPatch, "/rest/v1/dispensing_logs")
	if err != nil {
		return domain.DispensingRecord{}, err
	}
	if len(updated) == 0 {
		return domain.DispensingRecord{}, fmt.Errorf("dispensing record %s: %w", id, ErrNotFound)
	}
	c.log.Info("updated remote dispensing record", zap.String("record_id", id))
	return updated[0], nil
}

// DeleteDispense removes one record.
func (c *Client) DeleteDispense(ctx context.Context, id string) error {
	_, err := c.do(ctx, c.http.R().
		SetQueryParam("id", "eq."+id), resty.MethodDelete, "/rest/v1/dispensing_logs")
	if err != nil {
		return err
	}
	c.log.Info("deleted remote dispensing record", zap.String("record_id", id))
	return nil
}

// Ping probes reachability. Any completed HTTP round trip counts as
// reachable, even a rejection; only transport failure means offline.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.http.R().SetContext(ctx).Get("/rest/v1/")
	if err != nil {
		return fmt.Errorf("ping: %w: %v", ErrNetwork, err)
	}
	return nil
}
