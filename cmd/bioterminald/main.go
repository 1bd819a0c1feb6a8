package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mindware/bioterminal/internal/adms"
	"github.com/mindware/bioterminal/internal/bioterm/sensor"
	"github.com/mindware/bioterminal/internal/bioterm/sensor/sensortest"
	"github.com/mindware/bioterminal/internal/bioterm/sensor/uart"
	"github.com/mindware/bioterminal/internal/bioterm/service"
	sqlitestore "github.com/mindware/bioterminal/internal/bioterm/store/sqlite"
	"github.com/mindware/bioterminal/internal/config"
	"github.com/mindware/bioterminal/internal/db"
)

func main() {
	// A local .env overrides the environment on bench terminals.
	_ = godotenv.Load()

	cfg := config.FromEnv()
	logger := log.New(os.Stdout, "bioterminald ", log.LstdFlags|log.LUTC)
	logger.Printf("starting (env=%s sn=%s)", cfg.Env, cfg.DeviceSerial)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		logger.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if cfg.Env == "dev" {
		if err := db.SeedDev(ctx, conn, db.SeedDevOptions{
			CompanyID: cfg.CompanyID,
			OfficeID:  cfg.OfficeID,
		}); err != nil {
			logger.Printf("seed dev: %v", err)
		}
	}

	writer := db.NewWriter(conn)
	defer writer.Close()

	identityStore := sqlitestore.NewIdentityStore(conn, writer)

	sn, closeSensor, err := openSensor(cfg)
	if err != nil {
		// A terminal without its sensor cannot do its job.
		logger.Fatalf("open sensor: %v", err)
	}
	defer closeSensor()

	notify := func(msg string) { logger.Printf("status: %s", msg) }

	capture := service.NewCaptureService(sn, identityStore, service.Config{
		PerUserCap:        cfg.PerUserCap,
		MaxSlots:          cfg.MaxSlots,
		EnrollStepTimeout: cfg.EnrollStepTimeout,
		TimezoneOffset:    cfg.TimezoneOffset(),
		CompanyID:         cfg.CompanyID,
		OfficeID:          cfg.OfficeID,
	}, logger, notify)

	if cfg.ADMSBaseURL == "" && cfg.Env == "prod" {
		logger.Fatalf("BIOTERM_ADMS_URL is required in prod")
	}

	engine := adms.NewSyncEngine(
		adms.NewClient(adms.ClientConfig{
			BaseURL:      cfg.ADMSBaseURL,
			DeviceSerial: cfg.DeviceSerial,
			Timeout:      cfg.HTTPTimeout,
		}),
		identityStore,
		adms.EngineConfig{
			Interval:       cfg.SyncInterval,
			ProbeAddr:      cfg.ProbeAddr,
			ProbeTimeout:   cfg.ProbeTimeout,
			TimezoneOffset: cfg.TimezoneOffset(),
			CompanyID:      cfg.CompanyID,
			OfficeID:       cfg.OfficeID,
		},
		logger,
		notify,
	)
	engine.SetRestarter(func() error {
		logger.Printf("restarting terminal on server command")
		return exec.Command("systemctl", "restart", "bioterminald").Start()
	})

	if err := capture.StartListening(ctx); err != nil {
		logger.Fatalf("start listener: %v", err)
	}
	engine.Start(ctx)

	<-ctx.Done()
	logger.Printf("shutting down")

	engine.Stop()
	capture.StopListening()
}

// openSensor opens the UART fingerprint module, or a scripted fake when a
// dev terminal has no hardware attached.
func openSensor(cfg config.Config) (sensor.Sensor, func(), error) {
	if cfg.SensorPort == "" {
		if cfg.Env == "dev" {
			return &sensortest.Fake{}, func() {}, nil
		}
		return nil, nil, errors.New("BIOTERM_SENSOR_PORT is required in prod")
	}

	d, err := uart.Open(cfg.SensorPort, cfg.SensorBaud)
	if err != nil {
		return nil, nil, err
	}
	return d, func() { _ = d.Close() }, nil
}
