package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-trader/internal/auth"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/cycle"
	"github.com/ksred/klear-trader/internal/database"
	"github.com/ksred/klear-trader/internal/exchange"
	"github.com/ksred/klear-trader/internal/idempotency"
	"github.com/ksred/klear-trader/internal/marketdata"
	"github.com/ksred/klear-trader/internal/notify"
	"github.com/ksred/klear-trader/internal/outbox"
	"github.com/ksred/klear-trader/internal/portfolio"
	"github.com/ksred/klear-trader/internal/position"
	"github.com/ksred/klear-trader/internal/risk"
	"github.com/ksred/klear-trader/internal/scheduler"
	"github.com/ksred/klear-trader/internal/strategy"
	"github.com/ksred/klear-trader/internal/stream"
	"github.com/ksred/klear-trader/internal/trading"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/ksred/klear-trader/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// handlers groups the HTTP surfaces mounted under /api/v1
type handlers struct {
	auth      *auth.GinHandlers
	control   *cycle.GinHandlers
	orders    *trading.GinHandlers
	positions *position.GinHandlers
	portfolio *portfolio.GinHandlers
	outbox    *outbox.GinHandlers
	stream    *stream.Hub
}

// scheduledJob pairs a job with its cron spec
type scheduledJob struct {
	spec string
	job  scheduler.Job
}

// main wires the trading engine, starts the schedules and serves the
// operator API until SIGINT or SIGTERM
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil && !cfg.Server.Debug {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Server.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Server.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	clock := types.SystemClock{}

	// Persistence and the outbox
	orderDB := trading.NewDatabase(db)
	outboxDB := outbox.NewDatabase(db)
	writer := outbox.NewWriter(outbox.NewGormUnitOfWork(db), outbox.JSONSerializer{}, clock)
	ledger := position.NewLedger(db)
	snapshots := cycle.NewDatabase(db)

	// Market data, account view and the paper venue
	feed := marketdata.NewSimulator(cfg.Simulator, clock)
	account := portfolio.NewService(cfg.Trading.AccountID, cfg.StartingCash, ledger, orderDB, feed, clock)
	venue := exchange.NewPaperExchange(cfg.Exchange, feed, clock)

	orchestrator, err := cycle.NewOrchestrator(cfg.Trading, cycle.Dependencies{
		Strategy:    strategy.NewMACross(cfg.Trading.StrategyID, cfg.Strategy),
		MarketData:  feed,
		Accounts:    account,
		Orders:      orderDB,
		Risk:        risk.NewService(clock),
		Idempotency: idempotency.NewService(db),
		Saver:       writer,
		Snapshots:   snapshots,
		Notifier:    notify.NewLogNotifier(),
		Clock:       clock,
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create orchestrator")
	}
	if cfg.Server.AutoStart {
		orchestrator.Start()
	}

	// Relay delivers to the venue first, then to stream subscribers
	hub := stream.NewHub()
	dispatcher := exchange.NewDispatcher(orderDB, writer, venue, ledger, clock)
	relay := outbox.NewRelay(outboxDB, outbox.MultiPublisher{dispatcher, hub}, cfg.Outbox, clock)
	redriver := outbox.NewRedriver(outboxDB, clock, cfg.RedriveBatch)

	cycleJob := scheduler.JobFunc{JobName: "trading_cycle", Fn: func(ctx context.Context) error {
		_, err := orchestrator.RunCycle(ctx)
		return err
	}}
	relayJob := scheduler.JobFunc{JobName: "outbox_relay", Fn: func(ctx context.Context) error {
		_, err := relay.RunOnce(ctx)
		return err
	}}
	redriveJob := scheduler.JobFunc{JobName: "outbox_redrive", Fn: func(ctx context.Context) error {
		_, err := redriver.RedriveBatch(ctx)
		return err
	}}

	sched := scheduler.New()
	jobs := []scheduledJob{
		{cfg.Schedule.Cycle, cycleJob},
		{cfg.Schedule.Redrive, redriveJob},
	}
	if !cfg.Schedule.TickerRelay() {
		jobs = append(jobs, scheduledJob{cfg.Schedule.Relay, relayJob})
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.spec, j.job); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to schedule job")
		}
	}

	// Deliver whatever a previous process left in the outbox before the schedules kick in
	sched.RunNow(redriveJob)
	sched.RunNow(relayJob)
	sched.Start()

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	relayDone := make(chan struct{})
	if cfg.Schedule.TickerRelay() {
		go func() {
			defer close(relayDone)
			relay.Start(relayCtx, cfg.Schedule.RelayInterval)
		}()
	} else {
		close(relayDone)
	}

	authService := auth.NewService(cfg.Server.JWTSecret)
	if cfg.Server.OperatorSecret != "" {
		authService.RegisterOperator(cfg.Server.OperatorID, cfg.Server.OperatorSecret)
	} else {
		zlog.Warn().Msg("OPERATOR_SECRET is not set, token issuance is disabled")
	}

	// Initialize router
	router := gin.Default()

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.Server.JWTSecret, handlers{
		auth:      auth.NewGinHandlers(authService),
		control:   cycle.NewGinHandlers(orchestrator, snapshots, outboxDB),
		orders:    trading.NewGinHandlers(trading.NewService(db, writer, venue, clock)),
		positions: position.NewGinHandlers(ledger),
		portfolio: portfolio.NewGinHandlers(account),
		outbox:    outbox.NewGinHandlers(outboxDB, redriver),
		stream:    hub,
	})

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	orchestrator.Stop()
	sched.Stop()
	stopRelay()
	<-relayDone

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers.
// Reads need a valid token, anything that changes engine state also
// needs the control permission.
func setupRoutes(router *gin.Engine, jwtSecret string, h handlers) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", h.auth.GenerateTokenHandler())
		}

		api := v1.Group("")
		api.Use(middleware.JWTAuth(jwtSecret))

		control := middleware.RequirePermission(auth.PermissionControl)

		// Orchestrator control
		api.GET("/status", h.control.StatusHandler())
		api.POST("/start", control, h.control.StartHandler())
		api.POST("/stop", control, h.control.StopHandler())
		api.GET("/config", h.control.GetConfigHandler())
		api.PUT("/config", control, h.control.UpdateConfigHandler())
		api.GET("/metrics", h.control.MetricsHandler())

		cycles := api.Group("/cycles")
		{
			cycles.POST("/run", control, h.control.RunCycleHandler())
			cycles.GET("", h.control.ListCyclesHandler())
			cycles.GET("/:cycle_id", h.control.GetCycleHandler())
		}

		// Order routes
		orders := api.Group("/orders")
		{
			orders.GET("", h.orders.ListOrdersHandler())
			orders.GET("/:order_id", h.orders.GetOrderHandler())
			orders.GET("/:order_id/messages", h.outbox.OrderMessagesHandler())
			orders.POST("/:order_id/cancel", control, h.orders.CancelOrderHandler())
		}

		// Account routes
		api.GET("/positions", h.positions.ListPositionsHandler())
		api.GET("/positions/:market", h.positions.GetPositionHandler())
		api.GET("/portfolio", h.portfolio.SnapshotHandler())

		// Outbox operations
		ob := api.Group("/outbox")
		{
			ob.GET("/counts", h.outbox.CountsHandler())
			ob.GET("/dead-letters", h.outbox.DeadLettersHandler())
			ob.POST("/redrive", control, h.outbox.RedriveHandler())
		}

		api.GET("/stream", h.stream.Handler())
	}
}
