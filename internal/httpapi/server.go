// Package httpapi is the tenant-facing REST surface of the daemon.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m360-net/m360/internal/alerts"
	"github.com/m360-net/m360/internal/auth"
	"github.com/m360-net/m360/internal/netadmin"
	"github.com/m360-net/m360/internal/probe"
	"github.com/m360-net/m360/internal/qr"
	"github.com/m360-net/m360/internal/store"
	"github.com/m360-net/m360/internal/wgpeer"
)

// SensorScheduler is the scheduler surface the handlers drive.
type SensorScheduler interface {
	Start(ctx context.Context, rt *store.SensorRuntime)
	Restart(ctx context.Context, sensorID int64) error
	Stop(sensorID int64)
}

// Reachability runs one-shot device probes.
type Reachability interface {
	Run(ctx context.Context, owner string, req probe.Request) (*probe.Result, error)
}

// ChatLister backs the telegram chat-discovery endpoint.
type ChatLister interface {
	GetChats(ctx context.Context, botToken string) ([]alerts.TelegramChat, error)
}

// Server wires the domain components into an HTTP router.
type Server struct {
	// baseCtx parents sensor workers spawned from handlers, so they
	// survive the request that created them.
	baseCtx   context.Context
	log       *slog.Logger
	store     *store.Store
	verifier  *auth.Verifier
	clock     clockwork.Clock
	scheduler SensorScheduler
	prober    Reachability
	registrar *wgpeer.Registrar
	qr        *qr.Sessions
	runner    netadmin.Runner
	wsHandler http.Handler
	telegram  ChatLister

	frontendURL string
	wgInterface string
}

// Options carries the collaborators the server needs.
type Options struct {
	BaseCtx     context.Context
	Log         *slog.Logger
	Store       *store.Store
	Verifier    *auth.Verifier
	Clock       clockwork.Clock
	Scheduler   SensorScheduler
	Prober      Reachability
	Registrar   *wgpeer.Registrar
	QRSessions  *qr.Sessions
	Runner      netadmin.Runner
	WSHandler   http.Handler
	Telegram    ChatLister
	FrontendURL string
	WGInterface string
}

func NewServer(opts Options) *Server {
	baseCtx := opts.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{
		baseCtx:     baseCtx,
		log:         opts.Log,
		store:       opts.Store,
		verifier:    opts.Verifier,
		clock:       opts.Clock,
		scheduler:   opts.Scheduler,
		prober:      opts.Prober,
		registrar:   opts.Registrar,
		qr:          opts.QRSessions,
		runner:      opts.Runner,
		wsHandler:   opts.WSHandler,
		telegram:    opts.Telegram,
		frontendURL: opts.FrontendURL,
		wgInterface: opts.WGInterface,
	}
}

// Router assembles the chi mux: public endpoints first, then everything
// under the JWT middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.frontendURL, "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if s.wsHandler != nil {
		r.Handle("/ws", s.wsHandler)
	}
	// the session id is the shared secret on the scan leg
	r.Post("/api/scan/{session_id}", s.handleScan)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Route("/credentials", func(r chi.Router) {
			r.Post("/", s.handleCreateCredential)
			r.Get("/", s.handleListCredentials)
			r.Delete("/{id}", s.handleDeleteCredential)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Post("/manual", s.handleAddDeviceManual)
			r.Get("/", s.handleListDevices)
			r.Get("/search", s.handleSearchDevices)
			r.Put("/{id}/promote", s.handlePromoteDevice)
			r.Put("/{id}/associate_vpn", s.handleAssociateVPN)
			r.Delete("/{id}", s.handleDeleteDevice)
			r.Post("/test_reachability", s.handleTestReachability)
		})

		r.Route("/monitors", func(r chi.Router) {
			r.Post("/", s.handleCreateMonitor)
			r.Get("/", s.handleListMonitors)
			r.Delete("/{id}", s.handleDeleteMonitor)
		})

		r.Route("/sensors", func(r chi.Router) {
			r.Post("/", s.handleCreateSensor)
			r.Put("/{id}", s.handleUpdateSensor)
			r.Delete("/{id}", s.handleDeleteSensor)
			r.Post("/{id}/restart", s.handleRestartSensor)
			r.Get("/{id}/details", s.handleSensorDetails)
			r.Get("/{id}/history_range", s.handleHistoryRange)
			r.Get("/{id}/history_window", s.handleHistoryWindow)
		})

		r.Route("/channels", func(r chi.Router) {
			r.Post("/", s.handleCreateChannel)
			r.Get("/", s.handleListChannels)
			r.Delete("/{id}", s.handleDeleteChannel)
			r.Post("/telegram/get_chats", s.handleTelegramGetChats)
		})

		r.Get("/alerts/history", s.handleAlertHistory)

		r.Route("/vpns", func(r chi.Router) {
			r.Post("/", s.handleCreateVPN)
			r.Get("/", s.handleListVPNs)
			r.Put("/{id}", s.handleUpdateVPN)
			r.Delete("/{id}", s.handleDeleteVPN)
			r.Post("/mikrotik-auto", s.handleMikrotikAuto)
			r.Get("/peer-status", s.handlePeerStatus)
			r.Get("/peer-status/{pub}", s.handlePeerStatus)
		})

		r.Post("/qr/start", s.handleQRStart)
		r.Get("/qr/status/{session_id}", s.handleQRStatus)

		r.Get("/_debug/wg", s.handleDebugWG)
		r.Get("/_debug/routes", s.handleDebugRoutes)
		r.Get("/debug/whoami", s.handleWhoami)
		r.Get("/debug/dump-token", s.handleDumpToken)
	})

	return r
}
