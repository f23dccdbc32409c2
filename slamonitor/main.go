package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycrm/relay-go/internal/actionexec"
	"github.com/relaycrm/relay-go/internal/engine"
	"github.com/relaycrm/relay-go/internal/platform/auditlog"
	"github.com/relaycrm/relay-go/internal/platform/businesshours"
	"github.com/relaycrm/relay-go/internal/platform/env"
	"github.com/relaycrm/relay-go/internal/platform/postgres"
	repopg "github.com/relaycrm/relay-go/internal/repo/postgres"
)

// slamonitor runs the periodic sweeps that the HTTP service does not:
// SLA warning/breach escalation and approval auto-rejection.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval, err := env.Duration("SLAMONITOR_INTERVAL", time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	scanLimit, err := env.Int("SLAMONITOR_SCAN_LIMIT", 500)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	if interval <= 0 || scanLimit < 1 {
		logger.Error("invalid env", "error", "SLAMONITOR_INTERVAL must be positive and SLAMONITOR_SCAN_LIMIT >= 1")
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	calendar := businesshours.Default()
	if path := env.String("RELAY_BUSINESS_CALENDAR", ""); path != "" {
		calendar, err = businesshours.Load(path)
		if err != nil {
			logger.Error("invalid business calendar", "path", path, "error", err)
			os.Exit(2)
		}
	}

	recordStore, err := repopg.NewCRMRecordStore(db)
	if err != nil {
		logger.Error("record store init failed", "error", err)
		os.Exit(2)
	}
	directory, err := repopg.NewDirectoryStore(db)
	if err != nil {
		logger.Error("directory store init failed", "error", err)
		os.Exit(2)
	}
	executor, err := actionexec.New(recordStore, recordStore, nil, logger)
	if err != nil {
		logger.Error("action executor init failed", "error", err)
		os.Exit(2)
	}

	eng, err := engine.New(engine.Deps{
		Blueprints:   repopg.NewBlueprintStore(db),
		RecordStates: repopg.NewRecordStateStore(db),
		Executions:   repopg.NewExecutionStore(db),
		Approvals:    repopg.NewApprovalStore(db),
		SlaInstances: repopg.NewSlaInstanceStore(db),
		Records:      recordStore,
		Actions:      executor,
		Directory:    directory,
		Calendar:     calendar,
		Audit:        auditlog.NewRecorder(db),
		Logger:       logger,
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	logger.Info("slamonitor started", "interval", interval.String(), "scan_limit", scanLimit)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sweep(ctx, logger, eng, scanLimit)
		select {
		case <-ctx.Done():
			logger.Info("slamonitor stopping")
			return
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, logger *slog.Logger, eng *engine.Engine, limit int) {
	start := time.Now()

	warned, breached, err := eng.ScanSLAs(ctx, limit)
	if err != nil {
		logger.Error("sla scan failed", "error", err)
	}

	expired, err := eng.ExpireApprovals(ctx, limit)
	if err != nil {
		logger.Error("approval expiry failed", "error", err)
	}

	if warned > 0 || breached > 0 || expired > 0 {
		logger.Info("sweep finished",
			"warned", warned,
			"breached", breached,
			"approvals_expired", expired,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
