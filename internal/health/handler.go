package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"predmarket/internal/httputil"
)

type Handler struct {
	pool      *pgxpool.Pool
	startedAt time.Time
}

func NewHandler(pool *pgxpool.Pool, startedAt time.Time) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{pool: pool, startedAt: start}
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
	Uptime    string `json:"uptime"`
}

type readyResponse struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	UptimeSec int64       `json:"uptime_sec"`
	Uptime    string      `json:"uptime"`
	Database  databaseStat `json:"database"`
}

type databaseStat struct {
	Reachable bool   `json:"reachable"`
	PingMs    int64  `json:"ping_ms"`
	Error     string `json:"error,omitempty"`
	CheckedAt string `json:"checked_at"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func formatUptimeCompact(uptime time.Duration) string {
	totalSeconds := int64(uptime / time.Second)
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// Get keeps compatibility: /health is the readiness summary.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.Ready(w, r)
}

// Live is a lightweight liveness endpoint and does not touch the database.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptime := h.uptime(now)
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    formatUptimeCompact(uptime),
	})
}

// Ready pings the database and returns 503 when it is unreachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptime := h.uptime(now)
	db := h.pingDB(r.Context())
	status := "ok"
	httpStatus := http.StatusOK
	if !db.Reachable {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, httpStatus, readyResponse{
		Status:    status,
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    formatUptimeCompact(uptime),
		Database:  db,
	})
}

func (h *Handler) pingDB(ctx context.Context) databaseStat {
	stat := databaseStat{CheckedAt: time.Now().UTC().Format(time.RFC3339)}
	if h.pool == nil {
		stat.Error = "pool is not configured"
		return stat
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	err := h.pool.Ping(pingCtx)
	stat.PingMs = time.Since(start).Milliseconds()
	stat.CheckedAt = time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		stat.Error = err.Error()
		return stat
	}
	stat.Reachable = true
	return stat
}
