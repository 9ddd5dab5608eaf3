package models

import (
	"encoding/json"
	"fmt"

	"trade-guard/internal/trade"

	"gorm.io/datatypes"
)

// TradeSchemaVersion tags every serialized trade payload.
const TradeSchemaVersion = 1

type tradeEnvelope struct {
	Version int         `json:"v"`
	Trade   trade.Trade `json:"trade"`
}

// EncodeTrade serializes t into a versioned payload.
func EncodeTrade(t trade.Trade) (datatypes.JSON, error) {
	raw, err := json.Marshal(tradeEnvelope{Version: TradeSchemaVersion, Trade: t})
	if err != nil {
		return nil, fmt.Errorf("encode trade %d: %w", t.ID, err)
	}
	return datatypes.JSON(raw), nil
}

// DecodeTrade restores a trade from a versioned payload.
func DecodeTrade(raw datatypes.JSON) (trade.Trade, error) {
	var env tradeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return trade.Trade{}, fmt.Errorf("decode trade payload: %w", err)
	}
	if env.Version != TradeSchemaVersion {
		return trade.Trade{}, fmt.Errorf("unsupported trade payload version %d", env.Version)
	}
	return env.Trade, nil
}

// NewActiveTrade builds the active-set row for t.
func NewActiveTrade(t trade.Trade) (ActiveTrade, error) {
	payload, err := EncodeTrade(t)
	if err != nil {
		return ActiveTrade{}, err
	}
	return ActiveTrade{
		ID:      t.ID,
		UserID:  t.UserID,
		Symbol:  t.Symbol,
		Mode:    string(t.Mode),
		Status:  string(t.Status),
		Version: TradeSchemaVersion,
		Payload: payload,
	}, nil
}

// NewTradeHistory builds the history row for a closed trade. exitTime is the
// exit timestamp rendered in the trading timezone.
func NewTradeHistory(t trade.Trade, exitTime, source string) (TradeHistory, error) {
	payload, err := EncodeTrade(t)
	if err != nil {
		return TradeHistory{}, err
	}
	return TradeHistory{
		ID:       t.ID,
		UserID:   t.UserID,
		Symbol:   t.Symbol,
		Mode:     string(t.Mode),
		Status:   string(t.Status),
		PnL:      t.Realized(),
		ExitTime: exitTime,
		Source:   source,
		Version:  TradeSchemaVersion,
		Payload:  payload,
	}, nil
}
