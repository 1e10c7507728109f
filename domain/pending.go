package domain

const (
	PendingKindDispense = "dispense"
	PendingKindLot      = "lot"
)

// PendingOperation is one queued offline write: either a dispense or a
// new lot, tagged by Kind. LocalID is generated client-side and never
// collides with a server id. Entries stay queued until replayed.
type PendingOperation struct {
	Seq      int64             `db:"seq" json:"seq"`
	LocalID  string            `db:"local_id" json:"local_id"`
	Kind     string            `db:"kind" json:"kind"`
	QueuedAt string            `db:"queued_at" json:"queued_at"`
	Dispense *DispensingRecord `db:"-" json:"dispense,omitempty"`
	Lot      *InventoryLot     `db:"-" json:"lot,omitempty"`
}
