package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/davidkimdev/CS370-MediTrack-sub000/domain"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/app"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/gateway"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/history"
)

// Handler bundles dependencies for HTTP handlers.
type Handler struct {
	app     *app.App
	history *history.Recorder
}

// New constructs a Handler.
func New(a *app.App, recorder *history.Recorder) *Handler {
	return &Handler{app: a, history: recorder}
}

// Router wires up the HTTP API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Route("/medications", func(r chi.Router) {
		r.Get("/", h.listMedications)
		r.Get("/{id}/lots", h.listLots)
	})

	r.Route("/inventory", func(r chi.Router) {
		r.Post("/lots", h.addLot)
		r.Get("/expiry-alert", h.expiryAlerts)
	})

	r.Post("/dispense", h.dispense)

	r.Route("/records", func(r chi.Router) {
		r.Get("/", h.listRecords)
		r.Put("/{id}", h.updateRecord)
		r.Delete("/{id}", h.withdrawRecord)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Post("/", h.sync)
		r.Get("/status", h.syncStatus)
	})

	r.Route("/history", func(r chi.Router) {
		r.Get("/{field}", h.fieldSuggestions)
		r.Delete("/{field}", h.clearFieldHistory)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Medication handlers

func (h *Handler) listMedications(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	meds, err := h.app.Medications(r.Context(), refresh)
	if err != nil {
		respondDomainError(w, err, "unable to list medications")
		return
	}
	if meds == nil {
		meds = []domain.Medication{}
	}
	respondJSON(w, http.StatusOK, meds)
}

func (h *Handler) listLots(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "medication id is required")
		return
	}
	lots, err := h.app.Lots(r.Context(), id)
	if err != nil {
		respondDomainError(w, err, "unable to list lots")
		return
	}
	if lots == nil {
		lots = []domain.InventoryLot{}
	}
	respondJSON(w, http.StatusOK, lots)
}

func (h *Handler) expiryAlerts(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 30
	}
	lots, err := h.app.ExpiringLots(r.Context(), days)
	if err != nil {
		respondDomainError(w, err, "unable to fetch alerts")
		return
	}
	if lots == nil {
		lots = []domain.InventoryLot{}
	}
	respondJSON(w, http.StatusOK, lots)
}

// Inventory handlers

type lotRequest struct {
	MedicationID   string `json:"medication_id"`
	LotNumber      string `json:"lot_number"`
	QtyUnits       int    `json:"qty_units"`
	ExpirationDate string `json:"expiration_date"`
}

func (h *Handler) addLot(w http.ResponseWriter, r *http.Request) {
	var req lotRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MedicationID == "" || req.LotNumber == "" || req.ExpirationDate == "" {
		respondError(w, http.StatusBadRequest, "medication_id, lot_number and expiration_date are required")
		return
	}
	if req.QtyUnits <= 0 {
		respondError(w, http.StatusBadRequest, "qty_units must be greater than zero")
		return
	}
	if _, err := time.Parse("2006-01-02", req.ExpirationDate); err != nil {
		respondError(w, http.StatusBadRequest, "expiration_date must be in YYYY-MM-DD format")
		return
	}

	lot, queued, err := h.app.AddLot(r.Context(), domain.InventoryLot{
		MedicationID:   req.MedicationID,
		LotNumber:      req.LotNumber,
		QtyUnits:       req.QtyUnits,
		ExpirationDate: req.ExpirationDate,
	})
	if err != nil {
		respondDomainError(w, err, "unable to add lot")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"lot": lot, "queued": queued})
}

// Dispensing handlers

type dispenseRequest struct {
	PatientID        string `json:"patient_id"`
	MedicationID     string `json:"medication_id"`
	AmountDispensed  int    `json:"amount_dispensed"`
	DoseInstructions string `json:"dose_instructions"`
	LotNumber        string `json:"lot_number"`
	ExpirationDate   string `json:"expiration_date"`
	LogDate          string `json:"log_date"`
	DispensedBy      string `json:"dispensed_by"`
	PhysicianName    string `json:"physician_name"`
	StudentName      string `json:"student_name"`
	ClinicSite       string `json:"clinic_site"`
	Notes            string `json:"notes"`
}

func (h *Handler) dispense(w http.ResponseWriter, r *http.Request) {
	var req dispenseRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PatientID == "" || req.MedicationID == "" {
		respondError(w, http.StatusBadRequest, "patient_id and medication_id are required")
		return
	}
	if req.AmountDispensed <= 0 {
		respondError(w, http.StatusBadRequest, "amount_dispensed must be greater than zero")
		return
	}

	rec, queued, err := h.app.Dispense(r.Context(), domain.DispensingRecord{
		LogDate:          req.LogDate,
		PatientID:        req.PatientID,
		MedicationID:     req.MedicationID,
		Quantity:         req.AmountDispensed,
		DoseInstructions: req.DoseInstructions,
		LotNumber:        req.LotNumber,
		ExpirationDate:   req.ExpirationDate,
		DispensedBy:      req.DispensedBy,
		PhysicianName:    req.PhysicianName,
		StudentName:      req.StudentName,
		ClinicSite:       req.ClinicSite,
		Notes:            req.Notes,
	})
	if err != nil {
		respondDomainError(w, err, "unable to record dispense")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"record": rec, "queued": queued})
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	records, err := h.app.Records(r.Context(), limit)
	if err != nil {
		respondDomainError(w, err, "unable to list records")
		return
	}
	if records == nil {
		records = []domain.DispensingRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *Handler) updateRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch gateway.DispensePatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.app.UpdateRecord(r.Context(), id, patch)
	if err != nil {
		respondDomainError(w, err, "unable to update record")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) withdrawRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.app.WithdrawRecord(r.Context(), id); err != nil {
		respondDomainError(w, err, "unable to withdraw record")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

// Sync handlers

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.app.Sync(r.Context())
	if err != nil {
		respondDomainError(w, err, "unable to sync")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.app.Status(r.Context())
	if err != nil {
		respondDomainError(w, err, "unable to fetch sync status")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// Autocomplete handlers

func (h *Handler) fieldSuggestions(w http.ResponseWriter, r *http.Request) {
	field := chi.URLParam(r, "field")
	partial := r.URL.Query().Get("q")
	entries := h.history.Suggestions(r.Context(), field, partial)
	if entries == nil {
		entries = []domain.FieldHistoryEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) clearFieldHistory(w http.ResponseWriter, r *http.Request) {
	field := chi.URLParam(r, "field")
	value := r.URL.Query().Get("value")
	var err error
	if value == "" {
		err = h.history.ClearAll(r.Context(), field)
	} else {
		err = h.history.ClearEntry(r.Context(), field, value)
	}
	if err != nil {
		respondDomainError(w, err, "unable to clear history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Helpers

func respondDomainError(w http.ResponseWriter, err error, fallback string) {
	var remoteErr *gateway.RemoteError
	switch {
	case errors.Is(err, gateway.ErrInsufficientStock):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, gateway.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gateway.ErrNetwork):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &remoteErr):
		respondError(w, http.StatusBadGateway, remoteErr.Error())
	default:
		// Storage failures and anything unrecognized stay generic.
		respondError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeJSON(r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
