package idempotency

import "time"

// Record is a claimed or completed command. A nil ResultSnapshot means the
// claim is still in progress.
type Record struct {
	Key            string    `gorm:"column:idempotency_key;primaryKey" json:"key"`
	RequestHash    string    `gorm:"not null" json:"request_hash"`
	ResultSnapshot *string   `gorm:"type:text" json:"result_snapshot,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
}

func (Record) TableName() string {
	return "idempotency_records"
}

func (r Record) Completed() bool {
	return r.ResultSnapshot != nil
}
