package domain

import "time"

type InventoryLot struct {
	ID           string `db:"id" json:"id"`
	MedicationID string `db:"medication_id" json:"medication_id"`
	LotNumber    string `db:"lot_number" json:"lot_number"`
	QtyUnits     int    `db:"qty_units" json:"qty_units"`
	// ExpirationDate is a calendar date, YYYY-MM-DD. Empty means unknown.
	ExpirationDate string `db:"expiration_date" json:"expiration_date"`
	CreatedAt      string `db:"created_at" json:"created_at"`
	UpdatedAt      string `db:"updated_at" json:"updated_at"`
}

// IsExpired reports whether the lot's expiration date is before now.
// Lots with no or unparseable expiration date are treated as not expired.
func (l InventoryLot) IsExpired(now time.Time) bool {
	if l.ExpirationDate == "" {
		return false
	}
	exp, err := time.Parse("2006-01-02", l.ExpirationDate)
	if err != nil {
		return false
	}
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return exp.Before(today)
}
