package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"trade-guard/internal/models"
	"trade-guard/internal/trade"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDuplicate rejects a submission matching a very recent creation.
	ErrDuplicate = errors.New("duplicate trade submission")
	// ErrNotFound is returned when a trade id is not in the requested set.
	ErrNotFound = errors.New("trade not found")
)

const (
	SourceLive   = "LIVE"
	SourceReplay = "REPLAY"

	DayLayout  = "2006-01-02"
	exitLayout = "2006-01-02 15:04:05"
)

// Store is the single owner of persisted trade and risk state. The active
// set is cached in memory and refreshed only by SaveActive/Update.
type Store struct {
	db        *gorm.DB
	logger    *zap.Logger
	loc       *time.Location
	dupWindow time.Duration
	now       func() time.Time

	mu     sync.Mutex
	cache  []trade.Trade
	cached bool
	lastID int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLocation sets the timezone used for exit-date columns.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithDuplicateWindow sets how recent a matching creation must be to reject a new one.
func WithDuplicateWindow(d time.Duration) Option {
	return func(s *Store) { s.dupWindow = d }
}

// New creates a Store on top of a migrated database.
func New(db *gorm.DB, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		db:        db,
		logger:    logger.Named("store"),
		loc:       time.Local,
		dupWindow: 10 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Day renders the trading-calendar date of at.
func (s *Store) Day(at time.Time) string {
	return at.In(s.loc).Format(DayLayout)
}

func (s *Store) stamp(at time.Time) string {
	return at.In(s.loc).Format(exitLayout)
}

func (s *Store) loadLocked(ctx context.Context) error {
	if s.cached {
		return nil
	}
	var rows []models.ActiveTrade
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return fmt.Errorf("load active trades: %w", err)
	}
	trades := make([]trade.Trade, 0, len(rows))
	for _, row := range rows {
		t, err := models.DecodeTrade(row.Payload)
		if err != nil {
			s.logger.Error("Skipping undecodable active trade", zap.Int64("trade_id", row.ID), zap.Error(err))
			continue
		}
		trades = append(trades, t)
	}

	var maxHistory int64
	if err := s.db.WithContext(ctx).Model(&models.TradeHistory{}).
		Select("COALESCE(MAX(id), 0)").Scan(&maxHistory).Error; err != nil {
		return fmt.Errorf("load max history id: %w", err)
	}
	if maxHistory > s.lastID {
		s.lastID = maxHistory
	}
	for _, t := range trades {
		if t.ID > s.lastID {
			s.lastID = t.ID
		}
	}

	s.cache = trades
	s.cached = true
	return nil
}

func cloneAll(in []trade.Trade) []trade.Trade {
	out := make([]trade.Trade, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}

// LoadActive returns copies of every active trade ordered by id.
func (s *Store) LoadActive(ctx context.Context) ([]trade.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	return cloneAll(s.cache), nil
}

// FindActive returns a copy of one active trade.
func (s *Store) FindActive(ctx context.Context, id int64) (trade.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return trade.Trade{}, err
	}
	for _, t := range s.cache {
		if t.ID == id {
			return t.Clone(), nil
		}
	}
	return trade.Trade{}, ErrNotFound
}

// Create inserts a new trade, assigning a monotonic creation-time id. A trade
// for the same user, symbol and quantity created within the duplicate window
// is rejected with ErrDuplicate.
func (s *Store) Create(ctx context.Context, t *trade.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}

	now := s.now()
	for _, c := range s.cache {
		if c.UserID == t.UserID && c.Symbol == t.Symbol && c.InitialQuantity == t.Quantity &&
			now.Sub(c.CreatedAt) < s.dupWindow {
			return fmt.Errorf("%w: %s x%d already submitted as trade %d", ErrDuplicate, t.Symbol, t.Quantity, c.ID)
		}
	}

	id := now.UnixMicro()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	t.ID = id
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.InitialQuantity == 0 {
		t.InitialQuantity = t.Quantity
	}

	row, err := models.NewActiveTrade(*t)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	s.lastID = id
	s.cache = append(s.cache, t.Clone())
	s.logger.Info("Trade created",
		zap.Int64("trade_id", id),
		zap.String("user_id", t.UserID),
		zap.String("symbol", t.Symbol),
		zap.String("mode", string(t.Mode)))
	return nil
}

// SaveActive replaces the active set. Durable rows are reconciled by id:
// existing rows are updated, new ones inserted and missing ones deleted.
func (s *Store) SaveActive(ctx context.Context, trades []trade.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx, trades)
}

func (s *Store) saveLocked(ctx context.Context, trades []trade.Trade) error {
	rows := make([]models.ActiveTrade, 0, len(trades))
	keep := make(map[int64]struct{}, len(trades))
	for _, t := range trades {
		row, err := models.NewActiveTrade(t)
		if err != nil {
			return err
		}
		rows = append(rows, row)
		keep[t.ID] = struct{}{}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []int64
		if err := tx.Model(&models.ActiveTrade{}).Pluck("id", &existing).Error; err != nil {
			return err
		}
		var removed []int64
		for _, id := range existing {
			if _, ok := keep[id]; !ok {
				removed = append(removed, id)
			}
		}
		if len(removed) > 0 {
			if err := tx.Delete(&models.ActiveTrade{}, removed).Error; err != nil {
				return err
			}
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "symbol", "mode", "status", "version", "payload", "updated_at"}),
		}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("save active trades: %w", err)
	}

	sorted := cloneAll(trades)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	s.cache = sorted
	s.cached = true
	return nil
}

// Update runs load → mutate → save in one exclusive scope. fn receives copies
// and returns the new active set; it must not call back into the Store's
// active-set methods.
func (s *Store) Update(ctx context.Context, fn func(active []trade.Trade) ([]trade.Trade, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	next, err := fn(cloneAll(s.cache))
	if err != nil {
		return err
	}
	return s.saveLocked(ctx, next)
}

// HistoryEntry is a closed trade with its bookkeeping columns.
type HistoryEntry struct {
	Trade       trade.Trade
	Source      string
	VirtualHigh float64
	VirtualStop float64
	VirtualDone bool
	MessageIDs  []string
}

// AppendHistory upserts a closed trade by id. Delivery message ids already
// attached to the row are preserved.
func (s *Store) AppendHistory(ctx context.Context, e HistoryEntry) error {
	if e.Trade.ExitTime == nil {
		return fmt.Errorf("trade %d has no exit time", e.Trade.ID)
	}
	if e.Source == "" {
		e.Source = SourceLive
	}
	row, err := models.NewTradeHistory(e.Trade, s.stamp(*e.Trade.ExitTime), e.Source)
	if err != nil {
		return err
	}
	row.VirtualHigh = e.VirtualHigh
	row.VirtualStop = e.VirtualStop
	row.VirtualDone = e.VirtualDone
	row.MessageIDs = datatypes.JSON("[]")
	if carried, found, err := messageColumn(s.db.WithContext(ctx), &models.ActiveTrade{}, e.Trade.ID); err == nil && found && len(carried) > 0 {
		row.MessageIDs = carried
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "symbol", "mode", "status", "pnl", "exit_time", "source",
			"virtual_high", "virtual_stop", "virtual_done", "version", "payload", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("append history %d: %w", e.Trade.ID, err)
	}
	return nil
}

// HistoryFilter narrows LoadHistory. Empty fields match everything.
type HistoryFilter struct {
	ExitDatePrefix string
	UserID         string
	Mode           trade.Mode
	Source         string
	TrackingOnly   bool
}

func (f HistoryFilter) apply(q *gorm.DB) *gorm.DB {
	if f.ExitDatePrefix != "" {
		q = q.Where("exit_time LIKE ?", f.ExitDatePrefix+"%")
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Mode != "" {
		q = q.Where("mode = ?", string(f.Mode))
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.TrackingOnly {
		q = q.Where("virtual_done = ?", false)
	}
	return q
}

// LoadHistory returns closed trades ordered by exit time.
func (s *Store) LoadHistory(ctx context.Context, f HistoryFilter) ([]HistoryEntry, error) {
	var rows []models.TradeHistory
	q := f.apply(s.db.WithContext(ctx).Model(&models.TradeHistory{}))
	if err := q.Order("exit_time, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		t, err := models.DecodeTrade(row.Payload)
		if err != nil {
			s.logger.Error("Skipping undecodable history row", zap.Int64("trade_id", row.ID), zap.Error(err))
			continue
		}
		out = append(out, HistoryEntry{
			Trade:       t,
			Source:      row.Source,
			VirtualHigh: row.VirtualHigh,
			VirtualStop: row.VirtualStop,
			VirtualDone: row.VirtualDone,
			MessageIDs:  decodeIDs(row.MessageIDs),
		})
	}
	return out, nil
}

// UpdateVirtual records missed-opportunity tracking for a closed trade.
func (s *Store) UpdateVirtual(ctx context.Context, id int64, high, stop float64, done bool) error {
	res := s.db.WithContext(ctx).Model(&models.TradeHistory{}).Where("id = ?", id).
		Updates(map[string]interface{}{"virtual_high": high, "virtual_stop": stop, "virtual_done": done})
	if res.Error != nil {
		return fmt.Errorf("update virtual tracking %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func messageColumn(db *gorm.DB, model interface{}, id int64) (datatypes.JSON, bool, error) {
	var raws []sql.NullString
	if err := db.Model(model).Where("id = ?", id).Pluck("message_ids", &raws).Error; err != nil {
		return nil, false, err
	}
	if len(raws) == 0 {
		return nil, false, nil
	}
	return datatypes.JSON(raws[0].String), true, nil
}

func decodeIDs(raw datatypes.JSON) []string {
	var ids []string
	if len(raw) == 0 {
		return ids
	}
	_ = json.Unmarshal(raw, &ids)
	return ids
}

// AttachMessageID records a delivered notification against a trade, active
// or closed, so a later thread cleanup can find every message.
func (s *Store) AttachMessageID(ctx context.Context, tradeID int64, messageID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&models.TradeHistory{}, &models.ActiveTrade{}} {
			raw, found, err := messageColumn(tx, model, tradeID)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			ids, _ := json.Marshal(append(decodeIDs(raw), messageID))
			return tx.Model(model).Where("id = ?", tradeID).Update("message_ids", datatypes.JSON(ids)).Error
		}
		return ErrNotFound
	})
}

// MessageIDs lists the notification message ids tied to a trade.
func (s *Store) MessageIDs(ctx context.Context, tradeID int64) ([]string, error) {
	for _, model := range []interface{}{&models.TradeHistory{}, &models.ActiveTrade{}} {
		raw, found, err := messageColumn(s.db.WithContext(ctx), model, tradeID)
		if err != nil {
			return nil, fmt.Errorf("load message ids %d: %w", tradeID, err)
		}
		if found {
			return decodeIDs(raw), nil
		}
	}
	return nil, ErrNotFound
}

// DaySummary aggregates closed live trades for one day.
type DaySummary struct {
	Trades     int64
	Profitable int64
	PnL        float64
}

// Summary aggregates closed live trades on the indexed columns only.
// userID and mode may be empty to aggregate across all.
func (s *Store) Summary(ctx context.Context, userID string, mode trade.Mode, datePrefix string) (DaySummary, error) {
	var out struct {
		Trades     int64   `gorm:"column:trades"`
		Profitable int64   `gorm:"column:profitable"`
		PnL        float64 `gorm:"column:pnl"`
	}
	q := HistoryFilter{ExitDatePrefix: datePrefix, UserID: userID, Mode: mode, Source: SourceLive}.
		apply(s.db.WithContext(ctx).Model(&models.TradeHistory{}))
	err := q.Select("COUNT(*) AS trades, " +
		"COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0) AS profitable, " +
		"COALESCE(SUM(pnl), 0) AS pnl").Scan(&out).Error
	if err != nil {
		return DaySummary{}, fmt.Errorf("summarize history: %w", err)
	}
	return DaySummary{Trades: out.Trades, Profitable: out.Profitable, PnL: out.PnL}, nil
}

// RiskState loads the portfolio state for (user, mode); a missing row yields a zero state.
func (s *Store) RiskState(ctx context.Context, userID string, mode trade.Mode) (models.RiskState, error) {
	st := models.RiskState{UserID: userID, Mode: string(mode)}
	err := s.db.WithContext(ctx).Where("user_id = ? AND mode = ?", userID, string(mode)).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("load risk state %s/%s: %w", userID, mode, err)
	}
	return st, nil
}

// SaveRiskState upserts the portfolio state for (user, mode).
func (s *Store) SaveRiskState(ctx context.Context, st models.RiskState) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "mode"}},
		UpdateAll: true,
	}).Create(&st).Error
	if err != nil {
		return fmt.Errorf("save risk state %s/%s: %w", st.UserID, st.Mode, err)
	}
	return nil
}
