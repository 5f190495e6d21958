package apihttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"keel/internal/engine"
	"keel/internal/logger"
	"keel/internal/report"
	"keel/internal/store"
	"keel/internal/store/journal"
	"keel/internal/stream"
	"keel/internal/trader"
	"keel/internal/types"
)

// Router exposes the operator surface: positions, account, journal queries,
// the performance page, and a manual reconcile trigger.
type Router struct {
	Engine  *engine.Engine
	State   *trader.State
	Store   *store.Store
	Journal *journal.Journal
	Stream  *stream.Manager
}

func NewRouter(eng *engine.Engine, state *trader.State, st *store.Store, jrnl *journal.Journal, mgr *stream.Manager) *Router {
	return &Router{Engine: eng, State: state, Store: st, Journal: jrnl, Stream: mgr}
}

// Register mounts the API routes under the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/positions", r.handlePositions)
	group.GET("/positions/:symbol", r.handlePositionBySymbol)
	group.GET("/orders", r.handleOrders)
	group.GET("/account", r.handleAccount)
	group.GET("/sessions", r.handleSessions)
	group.GET("/events", r.handleEvents)
	group.GET("/report", r.handleReport)
	group.GET("/reconcile", r.handleLastReport)
	group.POST("/reconcile", r.handleForceReconcile)
	if r.Stream != nil {
		group.GET("/stream/stats", r.handleStreamStats)
	}
}

func (r *Router) handlePositions(c *gin.Context) {
	open := r.Engine.CurrentOpenPositions()
	out := make([]types.Position, 0, len(open))
	for _, p := range open {
		out = append(out, *p)
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "count": len(out)})
}

func (r *Router) handlePositionBySymbol(c *gin.Context) {
	symbol := types.NormalizeSymbol(c.Param("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	p, ok := r.State.OpenPositionBySymbol(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no open position for " + symbol})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	orders, err := r.Store.ListOrdersByPosition(ctx, p.ID)
	if err != nil {
		logger.Errorf("[api] list position orders failed ip=%s position=%s err=%v", c.ClientIP(), p.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": p, "orders": orders})
}

// handleOrders lists recent order records, newest first, optionally bounded
// by a since timestamp.
func (r *Router) handleOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	var since time.Time
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	orders, err := r.Store.ListRecentOrders(ctx, since, limit)
	if err != nil {
		logger.Errorf("[api] list orders failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (r *Router) handleAccount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"account": r.Engine.Account()})
}

func (r *Router) handleSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	sessions, err := r.Store.ListSessions(ctx, limit)
	if err != nil {
		logger.Errorf("[api] list sessions failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (r *Router) handleEvents(c *gin.Context) {
	q := journal.Query{
		Kind:   journal.Kind(strings.TrimSpace(c.Query("kind"))),
		Symbol: types.NormalizeSymbol(c.Query("symbol")),
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		q.Since = since
	}
	q.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	entries, err := r.Journal.List(ctx, q)
	if err != nil {
		logger.Errorf("[api] journal query failed ip=%s kind=%s err=%v", c.ClientIP(), q.Kind, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": entries, "count": len(entries)})
}

func (r *Router) handleReport(c *gin.Context) {
	sessionID := r.State.SessionID()
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	closed, err := r.Store.ListClosedPositions(ctx, sessionID, 500)
	if err != nil {
		logger.Errorf("[api] report query failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if strings.EqualFold(c.Query("format"), "json") {
		c.JSON(http.StatusOK, gin.H{
			"session_id": sessionID,
			"summary":    report.Summarize(closed),
			"trades":     closed,
		})
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := report.Render(c.Writer, sessionID, closed); err != nil {
		logger.Errorf("[api] report render failed ip=%s err=%v", c.ClientIP(), err)
	}
}

func (r *Router) handleLastReport(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"report": r.Engine.LastReport()})
}

// handleForceReconcile runs a full cycle on the engine loop and blocks until
// it finishes, so the caller sees the resulting report.
func (r *Router) handleForceReconcile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	rep, err := r.Engine.ForceReconcileCycle(ctx)
	if err != nil {
		logger.Errorf("[api] forced reconcile failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] forced reconcile ip=%s swept=%d changed=%d", c.ClientIP(), rep.OrdersSwept, rep.OrdersChanged)
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

func (r *Router) handleStreamStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stream": r.Stream.Stats()})
}
