package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradelink/database"
	"tradelink/exchange"
	"tradelink/logger"
)

// handleInstruments 品种快照，支持按交易所过滤
func (s *Server) handleInstruments(c *gin.Context) {
	var instruments []*exchange.Instrument
	if market := c.Query("exchange"); market != "" {
		instruments = s.reg.InstrumentsByMarket(market)
	} else {
		instruments = s.reg.Instruments()
	}
	c.JSON(http.StatusOK, gin.H{
		"instruments": instruments,
		"count":       len(instruments),
	})
}

// handleAccounts 资金账户快照，附带账本维度的已实现累计（资金费与交易拆分）
func (s *Server) handleAccounts(c *gin.Context) {
	accounts := s.reg.Accounts()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	rows := make([]gin.H, 0, len(accounts))
	for _, acc := range accounts {
		row := gin.H{"account": acc}
		if s.db != nil {
			if totals, err := s.db.CurrencyTotals(ctx, acc.Market, acc.Currency, acc.AccountID); err == nil {
				row["funding_total"] = totals.Funding
				row["trading_total"] = totals.Trading
				row["commiss_total"] = totals.Commiss
			}
		}
		rows = append(rows, row)
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts": rows,
		"count":    len(rows),
	})
}

// handlePositions 持仓快照
func (s *Server) handlePositions(c *gin.Context) {
	positions := s.reg.Positions()
	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"count":     len(positions),
	})
}

// handleOrders 活跃订单快照
func (s *Server) handleOrders(c *gin.Context) {
	orders := s.reg.Orders.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// handleRobots 机器人快照
// 现货策略没有库存概念，持仓和盈亏展示为 null 而不是零
func (s *Server) handleRobots(c *gin.Context) {
	robots := s.reg.Robots.Snapshot()

	rows := make([]gin.H, 0, len(robots))
	for _, robot := range robots {
		row := gin.H{
			"emi":      robot.EMI,
			"symbol":   robot.Symbol,
			"category": robot.Category,
			"market":   robot.Market,
			"status":   robot.Status,
			"sort":     robot.Sort,
			"timefr":   robot.Timefr,
			"capital":  robot.Capital,
			"vol":      robot.Vol,
			"sumreal":  robot.SumReal,
			"commiss":  robot.Commiss,
			"ltime":    robot.LTime,
		}
		if robot.Category == exchange.CategorySpot {
			row["pos"] = nil
			row["pnl"] = nil
		} else {
			row["pos"] = robot.Pos
			row["pnl"] = robot.PNL
		}
		rows = append(rows, row)
	}
	c.JSON(http.StatusOK, gin.H{
		"robots": rows,
		"count":  len(rows),
	})
}

// handleLedger 账本查询
func (s *Server) handleLedger(c *gin.Context) {
	filter := &database.LedgerFilter{
		Market: c.Query("exchange"),
		Symbol: c.Query("symbol"),
		EMI:    c.Query("emi"),
		Side:   c.Query("side"),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if t, err := time.Parse(time.RFC3339, c.Query("start_time")); err == nil {
		filter.StartTime = &t
	}
	if t, err := time.Parse(time.RFC3339, c.Query("end_time")); err == nil {
		filter.EndTime = &t
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	entries, err := s.db.GetLedger(ctx, filter)
	if err != nil {
		logger.Error("❌ 账本查询失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "账本查询失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleEvents 事件查询
func (s *Server) handleEvents(c *gin.Context) {
	filter := &database.EventFilter{
		Type:     c.Query("type"),
		Severity: c.Query("severity"),
		Exchange: c.Query("exchange"),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if t, err := time.Parse(time.RFC3339, c.Query("start_time")); err == nil {
		filter.StartTime = &t
	}
	if t, err := time.Parse(time.RFC3339, c.Query("end_time")); err == nil {
		filter.EndTime = &t
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	events, err := s.db.GetEvents(ctx, filter)
	if err != nil {
		logger.Error("❌ 事件查询失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "事件查询失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// handleStatus 每个交易所的严重级别与交易开关
func (s *Server) handleStatus(c *gin.Context) {
	rows := make([]gin.H, 0, len(s.exchanges))
	for _, ex := range s.exchanges {
		level := ex.Level().Load()
		rows = append(rows, gin.H{
			"exchange":        ex.Name(),
			"severity":        level.String(),
			"trading_allowed": ex.Level().TradingAllowed(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"exchanges":     rows,
		"orders_active": s.reg.Orders.Len(),
		"robots":        s.reg.Robots.Len(),
		"uptime":        time.Since(s.startedAt).String(),
	})
}
