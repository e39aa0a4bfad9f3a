package db

import "time"

// RuleEntry is one append-only audit record for a direct-list addition: the
// domain, who triggered it, the resulting git commit, and when. Only
// appends made through rulestore.IndexedStore are recorded; membership
// queries are not answered from this table, and the git repository remains
// the durable source of truth.
type RuleEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Domain    string    `gorm:"index;size:255" json:"domain"`
	Author    string    `gorm:"size:255" json:"author"`
	CommitID  string    `gorm:"size:64" json:"commit_id"`
	CreatedAt time.Time `json:"created_at"`
}
