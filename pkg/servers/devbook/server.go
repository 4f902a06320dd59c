package devbook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/consts"
	"github.com/devbookhq/devbook-go/pkg/features"
	"github.com/devbookhq/devbook-go/pkg/logs"
	"github.com/devbookhq/devbook-go/pkg/servers/devbook/keys"
	"github.com/devbookhq/devbook-go/pkg/servers/web"
	utilfeature "github.com/devbookhq/devbook-go/pkg/utils/feature"
)

const (
	DefaultPort         = 3000
	DefaultReapInterval = time.Second
	corsMaxAge          = 12 * time.Hour
)

type Options struct {
	Port int
	// Domain is reported to clients in created sandboxes.
	Domain     string
	AdminKey   string
	EnableAuth bool
	// MaxTimeout bounds sandbox timeouts in seconds.
	MaxTimeout   int32
	ReapInterval time.Duration
	// Registry receives the server metrics and backs /metrics. A new one is used when nil.
	Registry *prometheus.Registry
}

// Server is a local, in-memory implementation of the sandbox API and runtime.
type Server struct {
	opts     Options
	engine   *gin.Engine
	server   *web.Server
	store    *Store
	keys     *keys.Storage
	admin    *models.CreatedTeamAPIKey
	metrics  *serverMetrics
	upgrader websocket.Upgrader
	// pause is read from the feature gate once at construction.
	pause bool
}

func NewServer(ctx context.Context, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Domain == "" {
		opts.Domain = consts.DefaultDomain
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	s := &Server{
		opts:  opts,
		store: NewStore(opts.MaxTimeout),
		pause: utilfeature.DefaultFeatureGate.Enabled(features.SandboxPauseGate),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.metrics = newServerMetrics(opts.Registry, s.store)
	if opts.EnableAuth {
		s.keys = &keys.Storage{AdminKey: opts.AdminKey}
		s.admin = s.keys.Init(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = web.NewEngine()
	s.engine.Use(setupCORS())
	s.registerRoutes()
	s.server = web.NewServer(fmt.Sprintf(":%d", opts.Port), s.engine)
	return s
}

func setupCORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{consts.RequestIDHeader, nextTokenHeader},
		AllowCredentials: false,
		MaxAge:           corsMaxAge,
	})
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{Registry: s.opts.Registry})))
	if utilfeature.DefaultFeatureGate.Enabled(features.SandboxRuntimeGate) {
		s.engine.GET(consts.WSRoute, s.ServeRuntime)
	}

	web.RegisterRoute(s.engine, http.MethodPost, "/sandboxes", s.CreateSandbox, s.CheckApiKey)
	web.RegisterRoute(s.engine, http.MethodGet, "/sandboxes", s.ListRunningSandboxes, s.CheckApiKey)
	web.RegisterRoute(s.engine, http.MethodGet, "/v2/sandboxes", s.ListSandboxes, s.CheckApiKey)
	web.RegisterRoute(s.engine, http.MethodGet, "/sandboxes/:sandboxID", s.GetSandbox, s.CheckApiKey)
	web.RegisterRoute(s.engine, http.MethodDelete, "/sandboxes/:sandboxID", s.KillSandbox, s.CheckApiKey)
	web.RegisterRoute(s.engine, http.MethodPost, "/sandboxes/:sandboxID/timeout", s.SetSandboxTimeout, s.CheckApiKey)
	web.RegisterRoute(s.engine, http.MethodPost, "/sandboxes/:sandboxID/refreshes", s.RefreshSandbox, s.CheckApiKey)
	if s.pause {
		web.RegisterRoute(s.engine, http.MethodPost, "/sandboxes/:sandboxID/pause", s.PauseSandbox, s.CheckApiKey)
		web.RegisterRoute(s.engine, http.MethodPost, "/sandboxes/:sandboxID/resume", s.ResumeSandbox, s.CheckApiKey)
	}

	if s.keys != nil {
		web.RegisterRoute(s.engine, http.MethodGet, "/api-keys", s.ListAPIKeys, s.CheckApiKey)
		web.RegisterRoute(s.engine, http.MethodPost, "/api-keys", s.CreateAPIKey, s.CheckApiKey)
		web.RegisterRoute(s.engine, http.MethodDelete, "/api-keys/:apiKeyID", s.DeleteAPIKey, s.CheckApiKey)
	}
}

// Handler serves the whole API, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Store() *Store {
	return s.store
}

// AdminKey returns the admin API key, or "" when authentication is disabled.
func (s *Server) AdminKey() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Key
}

func (s *Server) reap(ctx context.Context) {
	killed, paused := s.store.Reap(logs.NewContextFrom(ctx, "loop", "reaper"))
	s.metrics.observeReap(killed, paused)
}

// StartReaper expires sandboxes every ReapInterval until ctx is done.
func (s *Server) StartReaper(ctx context.Context) {
	go wait.UntilWithContext(ctx, s.reap, s.opts.ReapInterval)
}

// Run starts the reaper and serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	log := klog.FromContext(ctx)
	s.StartReaper(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), consts.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "failed to shutdown server")
		}
	}()
	log.Info("devbook server listening", "port", s.opts.Port, "auth", s.opts.EnableAuth)
	return s.server.Run()
}
