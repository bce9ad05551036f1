package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	alarmapp "sitewatch/internal/alarms/application"
	alarmmemory "sitewatch/internal/alarms/infrastructure/memory"
	alarmrepo "sitewatch/internal/alarms/infrastructure/postgres"
	alarminterfaces "sitewatch/internal/alarms/interfaces"
	alarmhttp "sitewatch/internal/alarms/interfaces/http"
	alarmnotify "sitewatch/internal/alarms/notify"
	"sitewatch/internal/auth"
	"sitewatch/internal/config"
	"sitewatch/internal/eventing"
	eventingmemory "sitewatch/internal/eventing/infrastructure/memory"
	eventingrepo "sitewatch/internal/eventing/infrastructure/postgres"
	"sitewatch/internal/observability/metrics"
	readingskafka "sitewatch/internal/readings/interfaces/kafka"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	log := logrus.New()
	if level, err := logrus.ParseLevel(os.Getenv("SITEWATCH_LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}

	cfg, err := config.LoadConfig(os.Getenv("SITEWATCH_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	// Persistence. Without a database URL everything runs on in-memory
	// stores; state is lost on restart.
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = sql.Open("pgx", cfg.Database.URL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		metrics.RegisterDBStats(db)
	} else {
		log.Warn("no database configured, running with in-memory stores")
	}

	var (
		store    alarmapp.Store
		eventLog alarmhttp.EventLog
	)
	if db != nil {
		pg := alarmrepo.NewStore(db)
		store, eventLog = pg, pg
	} else {
		mem := alarmmemory.NewStore()
		store, eventLog = mem, mem
	}

	// Outbound eventing: durable outbox in front of the in-process bus.
	bus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry()
	registry.Register(alarmapp.LifecycleEvent{})

	type outboxBackend interface {
		eventing.OutboxStore
		eventing.OutboxWriter
	}
	var (
		outboxStore    outboxBackend
		processedStore eventing.ProcessedStore
	)
	if db != nil {
		outboxStore = eventingrepo.NewOutboxStore(db)
		processedStore = eventingrepo.NewProcessedStore(db)
	} else {
		outboxStore = eventingmemory.NewOutboxStore()
		processedStore = eventingmemory.NewProcessedStore()
	}
	dispatcher := eventing.NewDispatcher(bus, outboxStore, registry)
	publisher := eventing.NewPublisher(outboxStore, dispatcher, bus)

	// Alarm rules and engine.
	thresholds, cascade, err := config.LoadRules(cfg.Rules.Path)
	if err != nil {
		log.Fatalf("rules error: %v", err)
	}
	log.WithField("sensors", thresholds.Len()).Info("alarm rules loaded")

	tuning := alarmapp.DefaultTuning()
	if d := cfg.Engine.MaxShelve(); d > 0 {
		tuning.MaxShelveDuration = d
	}
	if d := cfg.Engine.DefaultShelve(); d > 0 {
		tuning.DefaultShelveDuration = d
	}
	if d := cfg.Engine.StaleWindow(); d > 0 {
		tuning.StaleWindow = d
	}
	if cfg.Engine.TargetAlarmsPerHour > 0 {
		tuning.TargetAlarmsPerHour = cfg.Engine.TargetAlarmsPerHour
	}

	engine, err := alarmapp.NewEngine(store, thresholds, cascade,
		alarmapp.WithLogger(log),
		alarmapp.WithTuning(tuning),
		alarmapp.WithPublisher(alarminterfaces.NewOutboxPublisher(publisher)),
	)
	if err != nil {
		log.Fatalf("engine error: %v", err)
	}
	if err := engine.Restore(ctx); err != nil {
		log.Fatalf("restore error: %v", err)
	}

	alarmapp.NewMonitors(engine, log).Start(ctx)

	// Live streams and notifications subscribe to the lifecycle bus.
	lifecycleType := eventing.EventTypeOf(alarmapp.LifecycleEvent{})
	broker := alarmhttp.NewSSEBroker()
	eventing.Subscribe(bus, lifecycleType, "stream.sse", func(ctx context.Context, event any) error {
		if ev, ok := event.(alarmapp.LifecycleEvent); ok {
			broker.Notify(ctx, ev)
		}
		return nil
	}, processedStore)

	wsHub := alarmhttp.NewWSHub(log)
	defer wsHub.Close()
	eventing.Subscribe(bus, lifecycleType, "stream.ws", func(ctx context.Context, event any) error {
		if ev, ok := event.(alarmapp.LifecycleEvent); ok {
			wsHub.Notify(ctx, ev)
		}
		return nil
	}, processedStore)

	var channels []alarmnotify.Channel
	if cfg.Notify.WebhookURL != "" {
		channel, err := alarmnotify.NewWebhookChannel(cfg.Notify.WebhookURL)
		if err != nil {
			log.Fatalf("webhook channel error: %v", err)
		}
		channels = append(channels, channel)
	}
	if cfg.Notify.SlackWebhookURL != "" {
		channel, err := alarmnotify.NewSlackChannel(cfg.Notify.SlackWebhookURL)
		if err != nil {
			log.Fatalf("slack channel error: %v", err)
		}
		channels = append(channels, channel)
	}
	if len(channels) > 0 {
		opts := []alarmnotify.Option{
			alarmnotify.WithEscalation(time.Duration(cfg.Notify.EscalationMinutes) * time.Minute),
		}
		if cfg.Notify.CooldownMinutes > 0 {
			opts = append(opts, alarmnotify.WithCooldown(time.Duration(cfg.Notify.CooldownMinutes)*time.Minute))
		}
		notifier, err := alarmnotify.NewNotifier(engine, alarmnotify.NewMultiChannel(channels...), nil, opts...)
		if err != nil {
			log.Fatalf("notifier error: %v", err)
		}
		defer notifier.Close()
		eventing.Subscribe(bus, lifecycleType, "notify", func(ctx context.Context, event any) error {
			if ev, ok := event.(alarmapp.LifecycleEvent); ok {
				return notifier.Notify(ctx, ev)
			}
			return nil
		}, processedStore)
	}

	// Redispatch loop drains events buffered while downstream was failing.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := dispatcher.Dispatch(ctx, 100); err != nil {
					log.WithError(err).Warn("outbox redispatch failed")
				}
				if n, err := outboxStore.PendingCount(ctx); err == nil {
					metrics.SetOutboxPending(n)
				}
			}
		}
	}()

	// Inbound readings.
	if brokers := cfg.Kafka.BrokerList(); len(brokers) > 0 {
		consumer, err := readingskafka.NewConsumer(readingskafka.Config{
			Brokers: brokers,
			Topic:   cfg.Kafka.Topic,
			Group:   cfg.Kafka.Group,
		}, engine, log)
		if err != nil {
			log.Fatalf("reading consumer error: %v", err)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("reading consumer stopped")
			}
		}()
	} else {
		log.Warn("no kafka brokers configured, inbound reading stream disabled")
	}

	// Operator API.
	reload := func(context.Context) error {
		set, table, err := config.LoadRules(cfg.Rules.Path)
		if err != nil {
			return err
		}
		if err := engine.ReloadRules(set, table); err != nil {
			return err
		}
		log.WithField("sensors", set.Len()).Info("alarm rules reloaded")
		return nil
	}
	handler, err := alarmhttp.NewHandler(engine, eventLog, reload, log)
	if err != nil {
		log.Fatalf("handler error: %v", err)
	}

	router := mux.NewRouter()
	handler.Register(router)
	router.Handle("/api/v1/alarms/stream", alarmhttp.NewStreamHandler(broker)).Methods(http.MethodGet)
	router.Handle("/api/v1/alarms/ws", wsHub).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var root http.Handler = router
	if cfg.Auth.JWTSecret != "" {
		policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
		root = auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), policy).Wrap(root)
	} else {
		log.Warn("no JWT secret configured, operator API is unauthenticated")
	}
	root = cors.New(cors.Options{
		AllowedOrigins: strings.Split(cfg.Server.AllowedOrigins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(root)
	root = loggingMiddleware(root, log)

	server := &http.Server{Addr: cfg.Server.Addr, Handler: root}
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
}

func loggingMiddleware(next http.Handler, log *logrus.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   resp.status,
			"duration": time.Since(start).String(),
		}).Debug("http request")
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

// Flush keeps SSE streaming working behind the logging wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working behind the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("hijack unsupported")
}
