package domain

type Medication struct {
	ID         string   `db:"id" json:"id"`
	Name       string   `db:"name" json:"name"`
	Strength   string   `db:"strength" json:"strength"`
	DosageForm string   `db:"dosage_form" json:"dosage_form"`
	Categories []string `db:"-" json:"categories"`
	// CurrentStock is derived from lot quantities. It is never written to
	// the remote medication row; only lot mutations change it.
	CurrentStock int    `db:"current_stock" json:"current_stock"`
	IsAvailable  bool   `db:"is_available" json:"is_available"`
	UpdatedAt    string `db:"updated_at" json:"updated_at"`
}
