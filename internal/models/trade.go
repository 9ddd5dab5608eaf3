package models

import (
	"time"

	"gorm.io/datatypes"
)

// ActiveTrade is the durable row for a trade in the active set.
// Payload carries the full versioned record; the other columns are
// denormalized for filtering.
type ActiveTrade struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID     string         `gorm:"column:user_id;index;not null"`
	Symbol     string         `gorm:"column:symbol;index"`
	Mode       string         `gorm:"column:mode"`
	Status     string         `gorm:"column:status"`
	Version    int            `gorm:"column:version"`
	Payload    datatypes.JSON `gorm:"column:payload;type:TEXT"`
	MessageIDs datatypes.JSON `gorm:"column:message_ids;type:TEXT"` // carried into history on close
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (ActiveTrade) TableName() string { return "active_trades" }

// TradeHistory is the immutable close-time snapshot of a trade plus
// delivery and missed-opportunity bookkeeping.
type TradeHistory struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID      string         `gorm:"column:user_id;index:idx_history_day,priority:2"`
	Symbol      string         `gorm:"column:symbol;index"`
	Mode        string         `gorm:"column:mode;index:idx_history_day,priority:3"`
	Status      string         `gorm:"column:status"`
	PnL         float64        `gorm:"column:pnl"`
	ExitTime    string         `gorm:"column:exit_time;index:idx_history_day,priority:1"` // "2006-01-02 15:04:05" in trading timezone
	Source      string         `gorm:"column:source;default:LIVE"`
	VirtualHigh float64        `gorm:"column:virtual_high"`
	VirtualStop float64        `gorm:"column:virtual_stop"`
	VirtualDone bool           `gorm:"column:virtual_done"`
	MessageIDs  datatypes.JSON `gorm:"column:message_ids;type:TEXT"`
	Version     int            `gorm:"column:version"`
	Payload     datatypes.JSON `gorm:"column:payload;type:TEXT"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

func (TradeHistory) TableName() string { return "trade_history" }

// RiskState is the portfolio state of one (user, mode) pair.
type RiskState struct {
	UserID       string    `gorm:"column:user_id;primaryKey"`
	Mode         string    `gorm:"column:mode;primaryKey"`
	TradingDate  string    `gorm:"column:trading_date"` // day HighPnL and Floor refer to
	HighPnL      float64   `gorm:"column:high_pnl"`
	Floor        float64   `gorm:"column:floor"`
	Armed        bool      `gorm:"column:armed"`
	LastExitDate string    `gorm:"column:last_exit_date"`
	LastLockDate string    `gorm:"column:last_lock_date"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (RiskState) TableName() string { return "risk_states" }

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{&ActiveTrade{}, &TradeHistory{}, &RiskState{}}
}
