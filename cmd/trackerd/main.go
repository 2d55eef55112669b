package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"example.com/tracker/internal/api"
	"example.com/tracker/internal/auth"
	"example.com/tracker/internal/config"
	"example.com/tracker/internal/domain"
	"example.com/tracker/internal/observability"
	"example.com/tracker/internal/outbox"
	"example.com/tracker/internal/persistence/sqlite"
	"example.com/tracker/internal/preferences"
	"example.com/tracker/internal/sensor"
	"example.com/tracker/internal/session"
	"example.com/tracker/internal/transition"
	httptransport "example.com/tracker/internal/transport/http"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deviceID, err := config.ResolveDeviceID(cfg)
	if err != nil {
		log.Fatalf("failed to resolve device id: %v", err)
	}

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer db.Close()

	store, err := sqlite.NewRecordStore(db, sqlite.WithDeviceID(deviceID), sqlite.WithTopic(cfg.RecordsTopic))
	if err != nil {
		log.Fatalf("failed to create record store: %v", err)
	}

	prefs, err := preferences.Open(cfg.PreferencesPath)
	if err != nil {
		log.Fatalf("failed to open preference store: %v", err)
	}

	recorder := session.NewRecorder(store, session.WithRetry(cfg.RecordMaxAttempts, cfg.RecordRetryBaseDelay))
	observability.SetPendingSource(recorder.Pending)
	steps := sensor.NewFeed()

	var coord *session.Coordinator
	transitions := transition.NewHandler(transition.ApplierFunc(func(ctx context.Context, activityType domain.ActivityType, entering bool) error {
		return coord.OnTransition(ctx, activityType, entering)
	}))
	feed := transition.NewFeed(
		transition.KafkaReaderFactory(cfg.KafkaBrokers, cfg.TransitionTopic, cfg.ConsumerGroupID),
		transitions,
		transition.WithPermission(cfg.RecognitionPermitted),
	)
	coord = session.New(prefs, recorder, steps, feed,
		session.WithTickInterval(cfg.TickInterval),
		session.WithEnterDelay(cfg.EnterDelay),
	)
	if err := coord.Restore(ctx); err != nil {
		log.Printf("restore session: %v", err)
	}

	var dispatcher *outbox.Dispatcher
	var producer *outbox.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = outbox.NewKafkaProducer(cfg.KafkaBrokers)
		dispatcher = outbox.NewDispatcher(db, producer,
			outbox.WithPolling(cfg.OutboxPollInterval, cfg.OutboxBatchSize),
			outbox.WithRetry(cfg.OutboxMaxAttempts, cfg.OutboxBaseDelay),
		)
		go dispatcher.Start(ctx)
	} else {
		log.Printf("KAFKA_BROKERS not set: backup sync and transition feed disabled")
	}

	service := domain.NewService(store, cfg.Location())
	handler := api.NewHandler(service, coord, transitions, steps)
	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	serverCfg := httptransport.DefaultServerConfig(cfg.HTTPAddress)
	server := httptransport.NewServer(serverCfg, handler.Routes(authMiddleware))
	server.RegisterOnShutdown(handler.CloseStreams)

	log.Printf("trackerd starting (device=%s, db=%s)", deviceID, cfg.DBPath)
	if err := httptransport.ListenAndServe(ctx, server, serverCfg.ShutdownTimeout); err != nil {
		log.Printf("server error: %v", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := coord.Close(); err != nil {
		log.Printf("close coordinator: %v", err)
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		log.Printf("drain recorder: %v", err)
	}
	if err := prefs.Close(); err != nil {
		log.Printf("close preference store: %v", err)
	}
	if dispatcher != nil {
		dispatcher.Wait()
		if err := producer.Close(); err != nil {
			log.Printf("close kafka producer: %v", err)
		}
	}
	log.Printf("trackerd stopped")
}
