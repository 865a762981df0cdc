package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kinamba/erm-core/internal/admission"
	"github.com/kinamba/erm-core/internal/api"
	"github.com/kinamba/erm-core/internal/approval"
	"github.com/kinamba/erm-core/internal/audit"
	"github.com/kinamba/erm-core/internal/config"
	"github.com/kinamba/erm-core/internal/data"
	"github.com/kinamba/erm-core/internal/devices"
	"github.com/kinamba/erm-core/internal/feed"
	"github.com/kinamba/erm-core/internal/lifecycle"
	"github.com/kinamba/erm-core/internal/middleware"
	"github.com/kinamba/erm-core/internal/ratelimit"
	"github.com/kinamba/erm-core/internal/tokens"
)

const serviceName = "ERM-Core"

func main() {
	// 1. Config
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = config.DefaultPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	// 2. DB Init
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}

	// 3. Components
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	tokenMgr := tokens.NewManager(cfg.JWT.SigningKey)

	// Audit with local spool failover
	auditService := audit.NewService(db)
	audit.ConfigureFailover(cfg.Audit.SpoolDir, cfg.Audit.SpoolMaxMB)
	auditService.StartReplayer(context.Background())

	// Repositories
	visitRepo := data.VisitModel{DB: db}
	approvalRepo := data.ApprovalModel{DB: db}
	deviceRepo := data.DeviceModel{DB: db}
	alertRepo := data.AlertModel{DB: db}
	vehicleRepo := data.VehicleModel{DB: db}

	// NATS: notification channel plus change feed. Boot degrades without it;
	// approvals stay pending until staff resolve them.
	var nc *nats.Conn
	var notifier approval.Notifier = approval.LogNotifier{}
	var publisher *feed.Publisher
	hub := feed.NewHub()

	nc, err = nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
	if err != nil {
		log.Printf("Warning: NATS Connect Failed: %v. Notifications and live feed disabled.", err)
		nc = nil
	} else {
		notifier = approval.NewNATSNotifier(nc, "erm.notify.request", cfg.NATS.PublishRetryMax)
		publisher = feed.NewPublisher(nc, cfg.NATS.PublishRetryMax)
		if err := hub.Start(nc); err != nil {
			log.Printf("Warning: feed subscribe failed: %v", err)
		}
		defer nc.Close()
	}

	// Hot-reloaded admission policy
	policyStore := config.NewPolicyStore(cfgPath, cfg.Rules)
	policyStore.StartWatcher(context.Background())

	// Admission / Lifecycle / Approval wiring
	controller := admission.NewController(visitRepo, alertRepo, vehicleRepo, auditService, policyStore.Current, admission.Config{
		SuppressionWindow: cfg.SuppressionWindow(),
		SuppressionKeys:   cfg.Admission.SuppressionMaxKeys,
		RequireApproval:   cfg.Admission.RequireApproval,
	})

	lifecycleService := lifecycle.NewService(visitRepo, auditService)

	callbackBase := os.Getenv("PUBLIC_BASE_URL")
	if callbackBase == "" {
		callbackBase = "http://localhost:" + cfg.Server.Port
	}
	workflow := approval.NewWorkflow(approvalRepo, vehicleRepo, auditService, notifier, lifecycleService, callbackBase)

	controller.SetTransitioner(lifecycleService)
	controller.SetApprovalRequester(workflow)
	lifecycleService.OnTransition(workflow.LifecycleHook())
	if publisher != nil {
		pub := publisher
		controller.SetFeedNotifier(pub)
		lifecycleService.OnTransition(func(ctx context.Context, v *data.Visit, from, to lifecycle.State) {
			pub.VisitChanged("state_changed", v)
		})
	}

	// Device registry and health monitor
	deviceService := devices.NewService(deviceRepo, alertRepo, auditService)
	monitor := devices.NewMonitor(devices.MonitorConfig{
		Interval:         cfg.SweepInterval(),
		OfflineThreshold: cfg.OfflineThreshold(),
	}, deviceRepo, alertRepo, auditService)
	if publisher != nil {
		deviceService.SetFeedNotifier(publisher)
		monitor.SetFeedNotifier(publisher)
	}
	monitor.Start()

	// Handlers
	ingestHandler := api.NewIngestHandler(controller, deviceService)
	approvalHandler := api.NewApprovalHandler(workflow)
	feedHandler := api.NewFeedHandler(tokenMgr, hub)
	staffHandler := &api.StaffHandler{
		Admissions: controller,
		Lifecycle:  lifecycleService,
		Devices:    deviceService,
		Visits:     visitRepo,
		Alerts:     alertRepo,
		Audits:     auditService,
		Feed:       publisher,
	}

	// Middleware
	limiter := ratelimit.NewLimiter(rdb, cfg.Redis.Salt)
	rlMiddleware := middleware.NewRateLimitMiddleware(limiter, cfg.RateLimit)
	auditMiddleware := middleware.NewAuditMiddleware(auditService)
	jwtMiddleware := middleware.NewJWTAuth(tokenMgr)

	// 4. Routes
	mux := http.NewServeMux()
	Protect := func(h http.HandlerFunc) http.Handler { return jwtMiddleware.Middleware(h) }

	// Device ingest (x-api-key auth, tighter rate limit)
	mux.Handle("POST /api/camera/vehicle-entry", rlMiddleware.IngestLimiter(http.HandlerFunc(ingestHandler.VehicleEntry)))
	mux.Handle("POST /api/camera/vehicle-exit", rlMiddleware.IngestLimiter(http.HandlerFunc(ingestHandler.VehicleExit)))
	mux.Handle("POST /api/camera/heartbeat", rlMiddleware.IngestLimiter(http.HandlerFunc(ingestHandler.Heartbeat)))

	// Provider callback
	mux.HandleFunc("POST /api/approvals/callback", approvalHandler.Callback)

	// Staff API
	mux.Handle("POST /api/v1/entries/manual", Protect(staffHandler.ManualEntry))
	mux.Handle("POST /api/v1/visits/{id}/transition", Protect(staffHandler.Transition))
	mux.Handle("GET /api/v1/visits", Protect(staffHandler.ListVisits))
	mux.Handle("GET /api/v1/visits/{id}", Protect(staffHandler.GetVisit))
	mux.Handle("GET /api/v1/alerts", Protect(staffHandler.ListAlerts))
	mux.Handle("POST /api/v1/alerts/{id}/close", Protect(staffHandler.CloseAlert))
	mux.Handle("POST /api/v1/devices", Protect(staffHandler.RegisterDevice))
	mux.Handle("GET /api/v1/devices", Protect(staffHandler.ListDevices))
	mux.Handle("DELETE /api/v1/devices/{id}", Protect(staffHandler.RemoveDevice))
	mux.Handle("GET /api/v1/audit/records", Protect(staffHandler.AuditEvents))

	// Live feed (token in query, checked in handler)
	mux.HandleFunc("GET /api/v1/feed", feedHandler.ServeWS)

	// Operational
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// RateLimit -> Audit -> RequestLogger -> Mux
	handler := middleware.RequestLogger(mux)
	handler = auditMiddleware.LogRequest(handler)
	handler = rlMiddleware.GlobalLimiter(handler)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handler,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	monitor.Stop()
	hub.Stop()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown error: %v", err)
	}
	log.Println("Server stopped gracefully")
}
