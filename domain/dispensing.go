package domain

type DispensingRecord struct {
	ID string `db:"id" json:"id"`
	// LogDate is the calendar date of the dispense in local time,
	// YYYY-MM-DD, fixed at creation so the display date never shifts
	// with the viewer's timezone.
	LogDate          string `db:"log_date" json:"log_date"`
	PatientID        string `db:"patient_id" json:"patient_id"`
	MedicationID     string `db:"medication_id" json:"medication_id"`
	MedicationName   string `db:"medication_name" json:"medication_name"`
	Quantity         int    `db:"amount_dispensed" json:"amount_dispensed"`
	DoseInstructions string `db:"dose_instructions" json:"dose_instructions"`
	LotNumber        string `db:"lot_number" json:"lot_number"`
	ExpirationDate   string `db:"expiration_date" json:"expiration_date"`
	DispensedBy      string `db:"dispensed_by" json:"dispensed_by"`
	PhysicianName    string `db:"physician_name" json:"physician_name"`
	StudentName      string `db:"student_name" json:"student_name"`
	ClinicSite       string `db:"clinic_site" json:"clinic_site"`
	Notes            string `db:"notes" json:"notes"`
	CreatedAt        string `db:"created_at" json:"created_at"`
}
