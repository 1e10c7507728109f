package gateway

import (
	"github.com/davidkimdev/CS370-MediTrack-sub000/domain"
)

// The wire shapes follow the remote store's tables. Lots and dispensing
// records travel exactly as their domain structs (the json tags are the
// wire contract); medications differ because stock is never stored on
// the medication row, so the row shape has no stock fields and the
// mapping attaches the derived sum.

type medicationRow struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Strength   string   `json:"strength"`
	DosageForm string   `json:"dosage_form"`
	Categories []string `json:"categories"`
	UpdatedAt  string   `json:"updated_at"`
}

func medicationFromRow(r medicationRow, stock int) domain.Medication {
	return domain.Medication{
		ID:           r.ID,
		Name:         r.Name,
		Strength:     r.Strength,
		DosageForm:   r.DosageForm,
		Categories:   r.Categories,
		CurrentStock: stock,
		IsAvailable:  stock > 0,
		UpdatedAt:    r.UpdatedAt,
	}
}

// lotInsert strips the server-generated columns from a new lot.
type lotInsert struct {
	MedicationID   string `json:"medication_id"`
	LotNumber      string `json:"lot_number"`
	QtyUnits       int    `json:"qty_units"`
	ExpirationDate string `json:"expiration_date,omitempty"`
}

func lotInsertFrom(lot domain.InventoryLot) lotInsert {
	return lotInsert{
		MedicationID:   lot.MedicationID,
		LotNumber:      lot.LotNumber,
		QtyUnits:       lot.QtyUnits,
		ExpirationDate: lot.ExpirationDate,
	}
}

// dispenseInsert strips the server-generated columns from a new record.
type dispenseInsert struct {
	LogDate          string `json:"log_date"`
	PatientID        string `json:"patient_id"`
	MedicationID     string `json:"medication_id"`
	MedicationName   string `json:"medication_name"`
	Quantity         int    `json:"amount_dispensed"`
	DoseInstructions string `json:"dose_instructions"`
	LotNumber        string `json:"lot_number"`
	ExpirationDate   string `json:"expiration_date,omitempty"`
	DispensedBy      string `json:"dispensed_by,omitempty"`
	PhysicianName    string `json:"physician_name,omitempty"`
	StudentName      string `json:"student_name,omitempty"`
	ClinicSite       string `json:"clinic_site,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

func dispenseInsertFrom(rec domain.DispensingRecord) dispenseInsert {
	return dispenseInsert{
		LogDate:          rec.LogDate,
		PatientID:        rec.PatientID,
		MedicationID:     rec.MedicationID,
		MedicationName:   rec.MedicationName,
		Quantity:         rec.Quantity,
		DoseInstructions: rec.DoseInstructions,
		LotNumber:        rec.LotNumber,
		ExpirationDate:   rec.ExpirationDate,
		DispensedBy:      rec.DispensedBy,
		PhysicianName:    rec.PhysicianName,
		StudentName:      rec.StudentName,
		ClinicSite:       rec.ClinicSite,
		Notes:            rec.Notes,
	}
}

// DispensePatch is a partial update of a record's clerical fields. Nil
// fields are left untouched. Quantity and lot are deliberately absent:
// inventory-affecting corrections go through withdraw and re-dispense.
type DispensePatch struct {
	PatientID        *string `json:"patient_id,omitempty"`
	DoseInstructions *string `json:"dose_instructions,omitempty"`
	PhysicianName    *string `json:"physician_name,omitempty"`
	StudentName      *string `json:"student_name,omitempty"`
	ClinicSite       *string `json:"clinic_site,omitempty"`
	Notes            *string `json:"notes,omitempty"`
}
