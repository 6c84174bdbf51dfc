// Command meshcall is the signaling core's entrypoint: it wires the
// matchmaking, direct-call, presence, and signaling components behind one
// Gin server exposing a WebSocket endpoint and the supporting REST surface
// (TURN credentials, SFU token issuance, health, metrics).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/meshcall/core/internal/v1/auth"
	"github.com/meshcall/core/internal/v1/bus"
	"github.com/meshcall/core/internal/v1/call"
	"github.com/meshcall/core/internal/v1/clock"
	"github.com/meshcall/core/internal/v1/config"
	"github.com/meshcall/core/internal/v1/directory"
	"github.com/meshcall/core/internal/v1/health"
	"github.com/meshcall/core/internal/v1/hub"
	"github.com/meshcall/core/internal/v1/identity"
	"github.com/meshcall/core/internal/v1/janitor"
	"github.com/meshcall/core/internal/v1/logging"
	"github.com/meshcall/core/internal/v1/match"
	"github.com/meshcall/core/internal/v1/middleware"
	"github.com/meshcall/core/internal/v1/presence"
	"github.com/meshcall/core/internal/v1/ratelimit"
	"github.com/meshcall/core/internal/v1/sfu"
	"github.com/meshcall/core/internal/v1/signaling"
	"github.com/meshcall/core/internal/v1/store"
	"github.com/meshcall/core/internal/v1/tracing"
	"github.com/meshcall/core/internal/v1/turn"
	"github.com/meshcall/core/internal/v1/types"
	"go.uber.org/zap"
)

// seam breaks the construction cycle between the domain components (built
// first) and Hub (built last, once they all exist): it satisfies every
// Emitter/ConnectionChecker interface by forwarding to the Hub set into it
// right after hub.New returns.
type seam struct {
	hub *hub.Hub
}

func (s *seam) EmitToSid(ctx context.Context, sid types.Sid, event string, payload any) {
	s.hub.EmitToSid(ctx, sid, event, payload)
}
func (s *seam) EmitToUser(ctx context.Context, userID types.UserID, event string, payload any) {
	s.hub.EmitToUser(ctx, userID, event, payload)
}
func (s *seam) EmitGlobal(ctx context.Context, event string, payload any) {
	s.hub.EmitGlobal(ctx, event, payload)
}
func (s *seam) IsConnected(sid types.Sid) bool {
	return s.hub.IsConnected(sid)
}

// deliverer adapts directory.Client.DeliverQueued (which can fail) to
// identity.OfflineDeliverer's fire-and-forget shape: offline delivery is
// best-effort from the core's point of view, the directory owns retries.
type deliverer struct {
	dir *directory.Client
}

func (d *deliverer) DeliverQueued(ctx context.Context, userID types.UserID) {
	if err := d.dir.DeliverQueued(ctx, userID); err != nil {
		logging.Warn(ctx, "main: deliver queued items failed", zap.String("userId", string(userID)), zap.Error(err))
	}
}

func main() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(context.Background(), "main: invalid configuration", zap.Error(err))
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	ctx := context.Background()

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "meshcall-core", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "main: tracing disabled, init failed", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	var redisClient *redis.Client
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "main: redis connection failed", zap.Error(err))
		}
		redisClient = busService.Client()
		defer func() { _ = busService.Close() }()
	}

	qs := store.New(redisClient)
	clk := clock.New()
	registry := presence.NewRegistry()
	dirClient := directory.New("http://"+cfg.DirectoryAddr, nil)

	s := &seam{}

	broadcaster := presence.NewBroadcaster(registry, dirClient, s)
	binder := identity.NewBinder(registry, dirClient, &deliverer{dir: dirClient}, broadcaster)

	sfuMinter := sfu.New(sfu.Config{APIKey: "meshcall-core", APISecret: cfg.SFUSecret}, nil)

	forwarder := signaling.New(qs, registry, s, s, broadcaster)
	matcher := match.New(qs, clk, registry, s, s, sfuMinter, forwarder)
	callManager := call.New(qs, registry, s, s, sfuMinter, dirClient, forwarder, clk)

	var validator hub.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "main: SKIP_AUTH enabled, using MockValidator")
		validator = &auth.MockValidator{}
	} else {
		validator, err = auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "main: auth validator init failed", zap.Error(err))
		}
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "main: rate limiter init failed", zap.Error(err))
	}

	h := hub.New(hub.Deps{
		Registry:       registry,
		Broadcaster:    broadcaster,
		Binder:         binder,
		Matcher:        matcher,
		Calls:          callManager,
		Signaling:      forwarder,
		Profiles:       dirClient,
		Validator:      validator,
		WSLimiter:      rateLimiter,
		AllowedOrigins: allowedOrigins,
		DevMode:        cfg.DevelopmentMode,
		Bus:            busService,
	})
	s.hub = h

	jLoop := janitor.New(qs, s, clk, janitor.DefaultInterval, janitor.DefaultMaxQueueWait)
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go jLoop.Run(janitorCtx)

	turnIssuer := turn.New(turn.Config{
		Secret:    cfg.TurnSecret,
		Host:      cfg.TurnHost,
		Port:      cfg.TurnPort,
		StunHost:  cfg.StunHost,
		EnableTCP: cfg.TurnEnableTCP,
	}, nil)

	healthHandler := health.NewHandler(busService)

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("meshcall-core"))
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))
	router.Use(rateLimiter.GlobalMiddleware())

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", func(c *gin.Context) {
		if !rateLimiter.CheckWebSocket(c) {
			return
		}
		h.ServeWs(c)
	})

	router.GET("/whoami", rateLimiter.MiddlewareForEndpoint("exists"), func(c *gin.Context) {
		installID := types.InstallID(c.Query("installId"))
		if installID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "missing_install_id"})
			return
		}
		userID, found, err := dirClient.ResolveInstall(c.Request.Context(), installID)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "directory_unavailable"})
			return
		}
		if !found {
			c.JSON(http.StatusOK, gin.H{"ok": true, "userId": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "userId": userID})
	})

	api := router.Group("/api")
	api.Use(rateLimiter.MiddlewareForEndpoint("public"))
	{
		api.GET("/turn-credentials", func(c *gin.Context) {
			var ttl time.Duration
			if raw := c.Query("ttl"); raw != "" {
				if secs, err := strconv.Atoi(raw); err == nil {
					ttl = time.Duration(secs) * time.Second
				}
			}
			creds, err := turnIssuer.Issue(ttl)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, creds)
		})

		api.POST("/livekit/token", rateLimiter.MiddlewareForEndpoint("token"), func(c *gin.Context) {
			var body struct {
				UserID   types.UserID `json:"userId" binding:"required"`
				RoomName string       `json:"roomName" binding:"required"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request"})
				return
			}
			token, err := sfuMinter.MintToken(c.Request.Context(), body.RoomName, body.UserID)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"ok": true, "token": token, "url": cfg.SFUURL})
		})

		api.GET("/presence", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"online": registry.OnlineList()})
		})

		api.GET("/exists/:userId", rateLimiter.MiddlewareForEndpoint("exists"), func(c *gin.Context) {
			exists, err := dirClient.UserExists(c.Request.Context(), types.UserID(c.Param("userId")))
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory_unavailable"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"exists": exists})
		})
	}

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "meshcall core starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "main: server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "meshcall core shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "main: graceful shutdown failed", zap.Error(err))
	}
	jLoop.Stop()
}
