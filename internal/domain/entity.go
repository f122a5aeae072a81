package domain

import (
	"time"
)

// LastValueRecord is the persisted form of the latest image of a key
type LastValueRecord struct {
	KeyID     string    `gorm:"primaryKey" json:"key"`
	Ticker    string    `gorm:"index" json:"ticker"`
	Scheme    string    `json:"scheme"`
	Sequence  uint64    `json:"seq"`
	TickTime  time.Time `json:"tick_time"`
	Fields    string    `json:"fields"` // JSON object of decimal strings
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
