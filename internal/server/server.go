// Package server is the HTTP surface: the LINE webhook, the records page and
// the operational endpoints.
package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bowerhall/slipbox/internal/logger"
	"github.com/bowerhall/slipbox/internal/records"
	"github.com/bowerhall/slipbox/internal/storage"
)

//go:embed templates/*.html
var templateFS embed.FS

// Registrar mounts extra routes, e.g. the LINE webhook.
type Registrar interface {
	Register(e *echo.Echo)
}

type Options struct {
	Addr     string
	Records  *records.Store
	Images   storage.Provider
	Pending  interface{ Len() int }
	Gatherer prometheus.Gatherer
	// DiskPath is the directory whose filesystem usage /status reports.
	// Empty when images live in object storage.
	DiskPath string
	Location *time.Location
	Routes   []Registrar
}

type Server struct {
	echo *echo.Echo
	addr string
	opts Options
}

type renderer struct {
	tmpl *template.Template
}

func (r *renderer) Render(w io.Writer, name string, data any, _ echo.Context) error {
	return r.tmpl.ExecuteTemplate(w, name, data)
}

func New(opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = &renderer{tmpl: tmpl}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLogger())

	s := &Server{echo: e, addr: opts.Addr, opts: opts}

	e.GET("/", s.handleIndex)
	e.GET("/api/records", s.handleListRecords)
	e.GET("/images/*", s.handleImage)
	e.GET("/healthz", s.handleHealth)
	e.GET("/status", s.handleStatus)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	for _, r := range opts.Routes {
		if r != nil {
			r.Register(e)
		}
	}

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	logger.Info("http server starting", "addr", s.addr)

	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
