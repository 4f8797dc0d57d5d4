package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	alarmapp "alarm-center/internal/alarms/application"
	alarmrepo "alarm-center/internal/alarms/infrastructure/postgres"
	alarmhttp "alarm-center/internal/alarms/interfaces/http"
	alarmnotify "alarm-center/internal/alarms/notify"
	"alarm-center/internal/alarms/session"
	"alarm-center/internal/auth"
	"alarm-center/internal/observability/metrics"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	templateRepo := alarmrepo.NewAlarmTemplateRepository(db)
	ruleRepo := alarmrepo.NewAlarmRuleRepository(db)
	occurrenceRepo := alarmrepo.NewAlarmOccurrenceRepository(db)
	pointRepo := alarmrepo.NewTelemetryPointRepository(db)

	broker := alarmhttp.NewSSEBroker()
	pushFeed := session.NewPushFeed(cfg.PushBuffer)
	notifier := alarmnotify.NewMultiNotifier(broker, pushFeed)

	templateService, err := alarmapp.NewTemplateService(templateRepo, ruleRepo, cfg.TenantID)
	if err != nil {
		logger.Fatalf("template service error: %v", err)
	}
	applyService, err := alarmapp.NewApplyService(templateRepo, ruleRepo, pointRepo, cfg.TenantID)
	if err != nil {
		logger.Fatalf("apply service error: %v", err)
	}
	ruleService, err := alarmapp.NewRuleService(ruleRepo, cfg.TenantID)
	if err != nil {
		logger.Fatalf("rule service error: %v", err)
	}
	occurrenceService, err := alarmapp.NewOccurrenceService(occurrenceRepo, ruleRepo, templateRepo, cfg.TenantID, alarmapp.WithNotifier(notifier))
	if err != nil {
		logger.Fatalf("occurrence service error: %v", err)
	}

	notifyCfg, err := alarmnotify.LoadConfig()
	if err != nil {
		logger.Fatalf("notify config error: %v", err)
	}
	if notifyCfg.WebhookURL != "" {
		channel, err := alarmnotify.NewWebhookChannel(notifyCfg.WebhookURL)
		if err != nil {
			logger.Fatalf("alarm webhook error: %v", err)
		}
		tpl, err := alarmnotify.NewTemplate(notifyCfg.Template)
		if err != nil {
			logger.Fatalf("alarm template error: %v", err)
		}
		opts := append(notifyCfg.Options(),
			alarmnotify.WithEscalator(occurrenceService),
			alarmnotify.WithDeliveryRecorder(occurrenceService),
		)
		webhookNotifier, err := alarmnotify.NewNotifier(ruleRepo, occurrenceService, channel, tpl, opts...)
		if err != nil {
			logger.Fatalf("alarm notifier error: %v", err)
		}
		defer webhookNotifier.Close()
		notifier.Add(webhookNotifier)
	}

	store := session.NewStore()
	coordinator, err := session.NewCoordinator(store, occurrenceService)
	if err != nil {
		logger.Fatalf("coordinator error: %v", err)
	}
	reconciler, err := session.NewReconciler(
		store,
		session.SourceFunc(occurrenceService.ListActive),
		cfg.ReconcileInterval,
		logger,
		session.WithPushSource(pushFeed),
	)
	if err != nil {
		logger.Fatalf("reconciler error: %v", err)
	}
	go reconciler.Run(context.Background())

	handler, err := alarmhttp.NewHandler(templateService, applyService, ruleService, occurrenceService, coordinator, store)
	if err != nil {
		logger.Fatalf("alarms handler error: %v", err)
	}
	triggerIngest, err := alarmhttp.NewTriggerIngestHandler(occurrenceService, logger)
	if err != nil {
		logger.Fatalf("trigger ingest error: %v", err)
	}
	exportHandler, err := alarmhttp.NewExportHandler(occurrenceService)
	if err != nil {
		logger.Fatalf("export handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), time.Duration(cfg.IngestSkewSeconds)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/ingest/triggers", ingestAuth.Wrap(triggerIngest))
	mux.Handle("/api/v1/templates", handler)
	mux.Handle("/api/v1/templates/", handler)
	mux.Handle("/api/v1/occurrences", handler)
	mux.Handle("/api/v1/occurrences/", handler)
	mux.Handle("/api/v1/occurrences/stream", alarmhttp.NewStreamHandler(broker))
	mux.Handle("/api/v1/rules", handler)
	mux.Handle("/api/v1/rules/", handler)
	mux.Handle("/api/v1/exports/", exportHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	DatabaseURL       string
	HTTPAddr          string
	TenantID          string
	ReconcileInterval time.Duration
	PushBuffer        int
	JWTSecret         string
	IngestSecret      string
	IngestSkewSeconds int
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		TenantID:          getenvDefault("TENANT_ID", "tenant-demo"),
		ReconcileInterval: getenvDuration("ALARM_RECONCILE_INTERVAL", 15*time.Second),
		PushBuffer:        getenvIntDefault("ALARM_PUSH_BUFFER", 64),
		JWTSecret:         getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		IngestSecret:      getenvDefault("INGEST_HMAC_SECRET", ""),
		IngestSkewSeconds: getenvIntDefault("INGEST_MAX_SKEW_SECONDS", 300),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	if cfg.IngestSecret == "" {
		log.Fatal("INGEST_HMAC_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
