package models

import (
	"testing"
	"time"

	"trade-guard/internal/trade"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestDecodeTrade_RejectsUnknownVersion(t *testing.T) {
	_, err := DecodeTrade(datatypes.JSON(`{"v":7,"trade":{"id":1}}`))
	assert.ErrorContains(t, err, "version 7")

	_, err = DecodeTrade(datatypes.JSON(`not json`))
	assert.Error(t, err)
}

func TestNewTradeHistory_DenormalizesColumns(t *testing.T) {
	exit := time.Date(2026, 10, 16, 15, 15, 0, 0, time.UTC)
	tr := trade.Trade{
		ID: 9, UserID: "u1", Symbol: "TCS", Mode: trade.ModeBrokered,
		Status: trade.StatusTargetHit, PnL: 120, BookedPnL: 30, ExitTime: &exit,
	}

	row, err := NewTradeHistory(tr, "2026-10-16 15:15:00", "LIVE")
	require.NoError(t, err)
	assert.Equal(t, "TCS", row.Symbol)
	assert.Equal(t, "BROKERED", row.Mode)
	assert.Equal(t, "TARGET_HIT", row.Status)
	assert.Equal(t, 150.0, row.PnL)
	assert.Equal(t, TradeSchemaVersion, row.Version)

	back, err := DecodeTrade(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, back.ID)
	assert.True(t, exit.Equal(*back.ExitTime))
}
