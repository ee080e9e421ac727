package models

import (
	"time"

	"gorm.io/gorm"
)

// Trade is one settled buy recorded in the ledger. Rows are append-only:
// once written, only derived columns (cost_total, cost_base) are backfilled.
type Trade struct {
	gorm.Model
	Date       time.Time `gorm:"index;not null" json:"date"`
	OrderID    string    `gorm:"uniqueIndex;not null" json:"id"`
	BuySymbol  string    `gorm:"not null" json:"buy_symbol"`
	SellSymbol string    `gorm:"not null" json:"sell_symbol"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Cost       float64   `json:"cost"`
	Fee        float64   `json:"fee"`
	FeeSymbol  string    `json:"fee_symbol"`
	CostTotal  *float64  `json:"cost_total"`
	// CostBase is the total cost converted to the configured base currency.
	// Null until the ledger backfill pass has looked up the historical price.
	CostBase *float64 `json:"cost_base"`
	Exchange string   `json:"exchange"`
}
