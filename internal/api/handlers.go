package api

import (
	"net/http"
	"strconv"
	"time"

	"trade-guard/internal/replay"
	"trade-guard/internal/risk"
	"trade-guard/internal/store"
	"trade-guard/internal/trade"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "OK\n")
}

func (s *Server) statusHandler(c *gin.Context) {
	st := s.engine.Status()
	uptime := ""
	if !st.StartedAt.IsZero() {
		uptime = s.now().Sub(st.StartedAt).Truncate(time.Second).String()
	}
	c.JSON(http.StatusOK, gin.H{
		"uuid":       st.ID,
		"start_time": st.StartedAt.Format(time.RFC3339),
		"uptime":     uptime,
		"last_poll":  st.LastPoll.Format(time.RFC3339),
	})
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, zap.Error(err), zap.String("request_id", c.GetString("request_id")))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

// tradesHandler returns the active trades, optionally for one user.
func (s *Server) tradesHandler(c *gin.Context) {
	active, err := s.store.LoadActive(c.Request.Context())
	if err != nil {
		s.internalError(c, "Failed to get trades", err)
		return
	}
	user := c.Query("user")
	out := make([]trade.Trade, 0, len(active))
	for _, t := range active {
		if user == "" || t.UserID == user {
			out = append(out, t)
		}
	}
	c.JSON(http.StatusOK, out)
}

type historyItem struct {
	trade.Trade
	Source      string   `json:"source"`
	VirtualHigh float64  `json:"virtual_high"`
	VirtualDone bool     `json:"virtual_done"`
	MessageIDs  []string `json:"message_ids,omitempty"`
}

// historyHandler returns the closed trades of one day (default today).
func (s *Server) historyHandler(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		date = s.store.Day(s.now())
	} else if _, err := time.Parse(store.DayLayout, date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	entries, err := s.store.LoadHistory(c.Request.Context(), store.HistoryFilter{
		ExitDatePrefix: date,
		UserID:         c.Query("user"),
		Mode:           trade.Mode(c.Query("mode")),
		Source:         c.Query("source"),
	})
	if err != nil {
		s.internalError(c, "Failed to get history", err)
		return
	}
	out := make([]historyItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyItem{
			Trade:       e.Trade,
			Source:      e.Source,
			VirtualHigh: e.VirtualHigh,
			VirtualDone: e.VirtualDone,
			MessageIDs:  e.MessageIDs,
		})
	}
	c.JSON(http.StatusOK, out)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Today   StatsDetail `json:"today"`
	AllTime StatsDetail `json:"all_time"`
}

func statsFrom(sum store.DaySummary) StatsDetail {
	d := StatsDetail{
		TotalTrades:      sum.Trades,
		ProfitableTrades: sum.Profitable,
		TotalProfit:      sum.PnL,
	}
	if d.TotalTrades > 0 {
		d.WinRate = float64(d.ProfitableTrades) / float64(d.TotalTrades)
	}
	return d
}

// statisticsHandler aggregates live closed trades for today and all time.
func (s *Server) statisticsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	user := c.Query("user")
	mode := trade.Mode(c.Query("mode"))

	today, err := s.store.Summary(ctx, user, mode, s.store.Day(s.now()))
	if err != nil {
		s.internalError(c, "Failed to calculate statistics", err)
		return
	}
	all, err := s.store.Summary(ctx, user, mode, "")
	if err != nil {
		s.internalError(c, "Failed to calculate statistics", err)
		return
	}
	c.JSON(http.StatusOK, StatisticsResponse{Today: statsFrom(today), AllTime: statsFrom(all)})
}

func (s *Server) listSessionsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.List())
}

type loginRequest struct {
	AccessToken string `json:"access_token" binding:"required"`
}

func (s *Server) loginHandler(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.sessions.Login(c.Param("user"), req.AccessToken)
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "session registered"})
}

func (s *Server) logoutHandler(c *gin.Context) {
	s.sessions.Logout(c.Param("user"))
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "session cleared"})
}

// respond maps a command result onto the HTTP status.
func respond(c *gin.Context, res risk.Result) {
	status := http.StatusOK
	if !res.OK {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, res)
}

func tradeID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade id"})
		return 0, false
	}
	return id, true
}

func (s *Server) createTradeHandler(c *gin.Context) {
	var req trade.Trade
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserID = c.Param("user")
	res := s.engine.CreateTrade(c.Request.Context(), req)
	if res.OK {
		c.JSON(http.StatusCreated, res)
		return
	}
	respond(c, res)
}

func (s *Server) exitHandler(c *gin.Context) {
	id, ok := tradeID(c)
	if !ok {
		return
	}
	respond(c, s.engine.ManualExit(c.Request.Context(), c.Param("user"), id))
}

func (s *Server) promoteHandler(c *gin.Context) {
	id, ok := tradeID(c)
	if !ok {
		return
	}
	respond(c, s.engine.Promote(c.Request.Context(), c.Param("user"), id))
}

func (s *Server) protectionHandler(c *gin.Context) {
	id, ok := tradeID(c)
	if !ok {
		return
	}
	var p risk.Protection
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respond(c, s.engine.UpdateProtection(c.Request.Context(), c.Param("user"), id, p))
}

func (s *Server) panicHandler(c *gin.Context) {
	mode := trade.Mode(c.DefaultQuery("mode", string(trade.ModeSimulated)))
	if !mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode"})
		return
	}
	respond(c, s.engine.PanicExit(c.Request.Context(), c.Param("user"), mode))
}

func (s *Server) replayHandler(c *gin.Context) {
	if s.replayer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "replay is not configured"})
		return
	}
	var req replay.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.replayer.Run(c.Request.Context(), req)
	status := http.StatusOK
	if !res.OK {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, res)
}
