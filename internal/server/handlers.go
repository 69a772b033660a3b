package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/bowerhall/slipbox/internal/logger"
	"github.com/bowerhall/slipbox/internal/records"
	"github.com/bowerhall/slipbox/internal/storage"
)

const (
	indexLimit        = 200
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

type recordView struct {
	ID        int64     `json:"id"`
	UnitID    string    `json:"unit_id,omitempty"`
	Period    string    `json:"period,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Created   string    `json:"-"`
}

type listResponse struct {
	Records []recordView `json:"records"`
	Count   int          `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type StatusResponse struct {
	Hostname       string  `json:"hostname"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	Records        int     `json:"records"`
	PendingUsers   int     `json:"pending_sessions"`
	MemTotal       uint64  `json:"mem_total_bytes,omitempty"`
	MemUsed        uint64  `json:"mem_used_bytes,omitempty"`
	MemUsage       float64 `json:"mem_usage_percent,omitempty"`
	DiskPath       string  `json:"disk_path,omitempty"`
	DiskUsed       uint64  `json:"disk_used_bytes,omitempty"`
	DiskFree       uint64  `json:"disk_free_bytes,omitempty"`
	DiskUsage      float64 `json:"disk_usage_percent,omitempty"`
	StorageHealthy bool    `json:"storage_healthy"`
}

func (s *Server) view(rec records.Record) recordView {
	v := recordView{
		ID:        rec.ID,
		UnitID:    rec.UnitID,
		Period:    rec.Period,
		Channel:   rec.Channel,
		CreatedAt: rec.CreatedAt,
		Created:   rec.CreatedAt.In(s.opts.Location).Format("2006-01-02 15:04"),
	}
	if rec.ImagePath != "" {
		v.ImageURL = "/images/" + rec.ImagePath
	}
	return v
}

func (s *Server) views(recs []records.Record) []recordView {
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.view(rec))
	}
	return out
}

func (s *Server) handleIndex(c echo.Context) error {
	recs, err := s.opts.Records.List(c.Request().Context(), indexLimit)
	if err != nil {
		logger.Error("list records failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load records")
	}

	return c.Render(http.StatusOK, "index.html", map[string]any{
		"Records": s.views(recs),
	})
}

func (s *Server) handleListRecords(c echo.Context) error {
	limit := defaultQueryLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
		}
		limit = min(n, maxQueryLimit)
	}

	recs, err := s.opts.Records.List(c.Request().Context(), limit)
	if err != nil {
		logger.Error("list records failed", "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "could not load records"})
	}

	views := s.views(recs)
	return c.JSON(http.StatusOK, listResponse{Records: views, Count: len(views)})
}

func (s *Server) handleImage(c echo.Context) error {
	key := c.Param("*")

	rc, err := s.opts.Images.Open(c.Request().Context(), key)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey) {
		return echo.NewHTTPError(http.StatusNotFound, "image not found")
	}
	if err != nil {
		logger.Error("open image failed", "key", key, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read image")
	}
	defer rc.Close()

	c.Response().Header().Set("Cache-Control", "public, max-age=86400, immutable")
	return c.Stream(http.StatusOK, storage.ContentTypeForKey(key), rc)
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	dbErr := s.opts.Records.Ping(ctx)
	storageOK := s.opts.Images.Healthy(ctx)

	if dbErr != nil || !storageOK {
		logger.Warn("health check failed", "database", dbErr, "storage", storageOK)
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "unavailable",
			"database": dbErr == nil,
			"storage":  storageOK,
		})
	}

	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	hostname, _ := os.Hostname()

	status := StatusResponse{
		Hostname:       hostname,
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		StorageHealthy: s.opts.Images.Healthy(ctx),
	}

	if n, err := s.opts.Records.Count(ctx); err == nil {
		status.Records = n
	} else {
		logger.Warn("count records failed", "error", err)
	}

	if s.opts.Pending != nil {
		status.PendingUsers = s.opts.Pending.Len()
	}

	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		status.MemTotal = memInfo.Total
		status.MemUsed = memInfo.Used
		status.MemUsage = memInfo.UsedPercent
	}

	if s.opts.DiskPath != "" {
		if diskInfo, err := disk.UsageWithContext(ctx, s.opts.DiskPath); err == nil {
			status.DiskPath = s.opts.DiskPath
			status.DiskUsed = diskInfo.Used
			status.DiskFree = diskInfo.Free
			status.DiskUsage = diskInfo.UsedPercent
		}
	}

	return c.JSON(http.StatusOK, status)
}
