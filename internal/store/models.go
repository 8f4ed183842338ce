package store

import (
	"time"

	"gorm.io/gorm"
)

// DBRun is a saved backtest or replay.
type DBRun struct {
	gorm.Model
	Kind            string `gorm:"index"` // "backtest" or "replay"
	Underlying      string `gorm:"index"`
	EntryDate       time.Time
	ExitDate        time.Time
	Legs            int
	Trades          int
	CostBasis       float64
	ResidualValue   float64
	PnL             float64
	ReturnOnCapital float64
	WinRate         float64
	Win             bool
	ExitReason      string
	Config          string // JSON
	Result          string // JSON
}

// DBBar is a cached daily bar.
type DBBar struct {
	gorm.Model
	Source string    `gorm:"uniqueIndex:idx_bar"`
	Symbol string    `gorm:"uniqueIndex:idx_bar"`
	Date   time.Time `gorm:"uniqueIndex:idx_bar"`
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// DBVol is a cached volatility point.
type DBVol struct {
	gorm.Model
	Source      string    `gorm:"uniqueIndex:idx_vol"`
	Symbol      string    `gorm:"uniqueIndex:idx_vol"`
	OptionType  string    `gorm:"uniqueIndex:idx_vol"`
	Date        time.Time `gorm:"uniqueIndex:idx_vol"`
	ImpliedVol  float64
	HistoricVol float64
}

// DBRate is a cached risk-free rate.
type DBRate struct {
	gorm.Model
	Source string    `gorm:"uniqueIndex:idx_rate"`
	Date   time.Time `gorm:"uniqueIndex:idx_rate"`
	Rate   float64
}

// DBExpiry is a cached listed expiration.
type DBExpiry struct {
	gorm.Model
	Source string    `gorm:"uniqueIndex:idx_expiry"`
	Symbol string    `gorm:"uniqueIndex:idx_expiry"`
	Cycle  string    `gorm:"uniqueIndex:idx_expiry"`
	Date   time.Time `gorm:"uniqueIndex:idx_expiry"`
}

// DBFetch records a date range already loaded from a source, so cached
// reads inside it skip the upstream call.
type DBFetch struct {
	gorm.Model
	Source   string `gorm:"index:idx_fetch"`
	Series   string `gorm:"index:idx_fetch"` // e.g. "bars:SPY", "vol:SPY:call", "rates"
	FromDate time.Time
	ToDate   time.Time
}
