package models

import (
	"time"

	"gorm.io/gorm"
)

// PendingOrder references an order submitted to the exchange whose fill has
// not yet been written to the trades table. It is logically retired once a
// Trade with the same OrderID exists.
type PendingOrder struct {
	gorm.Model
	OrderID  string    `gorm:"uniqueIndex;not null" json:"id"`
	Symbol   string    `gorm:"not null" json:"symbol"`
	PlacedAt time.Time `gorm:"index;not null" json:"date"`
}
