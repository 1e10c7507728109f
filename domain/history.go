package domain

type FieldHistoryEntry struct {
	Value      string `db:"value" json:"value"`
	UseCount   int    `db:"use_count" json:"use_count"`
	LastUsedAt string `db:"last_used_at" json:"last_used_at"`
}
