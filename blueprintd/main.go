package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycrm/relay-go/internal/actionexec"
	"github.com/relaycrm/relay-go/internal/engine"
	"github.com/relaycrm/relay-go/internal/platform/auditlog"
	"github.com/relaycrm/relay-go/internal/platform/auth"
	"github.com/relaycrm/relay-go/internal/platform/businesshours"
	"github.com/relaycrm/relay-go/internal/platform/env"
	"github.com/relaycrm/relay-go/internal/platform/httpserver"
	"github.com/relaycrm/relay-go/internal/platform/objectstore"
	"github.com/relaycrm/relay-go/internal/platform/postgres"
	repopg "github.com/relaycrm/relay-go/internal/repo/postgres"
	"github.com/relaycrm/relay-go/internal/service/blueprints"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("BLUEPRINTD_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("BLUEPRINTD_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
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

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBucket(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	calendar := businesshours.Default()
	if path := env.String("RELAY_BUSINESS_CALENDAR", ""); path != "" {
		calendar, err = businesshours.Load(path)
		if err != nil {
			logger.Error("invalid business calendar", "path", path, "error", err)
			os.Exit(2)
		}
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("blueprintd"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"blueprintd",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: httpserver.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
					return db.PingContext(ctx)
				}),
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: httpserver.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
					_, err := storeClient.BucketExists(ctx, storeCfg.BucketAttachments)
					return err
				}),
			},
		),
	)

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
	auditor := auditlog.NewRecorder(db)

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
		Attachments:  objectstore.NewAttachmentStore(storeClient, storeCfg),
		Calendar:     calendar,
		Audit:        auditor,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	admin, err := blueprints.NewService(repopg.NewBlueprintStore(db), auditor, logger)
	if err != nil {
		logger.Error("blueprint service init failed", "error", err)
		os.Exit(2)
	}

	api := newBlueprintAPI(logger, admin, eng)
	api.register(mux)

	handler, err := wrapAuth(ctx, logger, authCfg, db, mux)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	cfg := httpserver.Config{
		Service:         "blueprintd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "blueprintd", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// wrapAuth selects the authenticator for the configured mode and wraps the
// mux in the auth middleware. In oidc mode the interactive login endpoints
// are registered on the mux before wrapping so they stay reachable.
func wrapAuth(ctx context.Context, logger *slog.Logger, cfg auth.Config, db *sql.DB, mux *http.ServeMux) (http.Handler, error) {
	if cfg.Mode == auth.ModeDisabled {
		return mux, nil
	}

	skip := []string{"/healthz", "/readyz"}
	var authenticator auth.Authenticator
	switch cfg.Mode {
	case auth.ModeOIDC:
		oidcService, err := auth.NewOIDCService(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if loginErr := cfg.ValidateForLogin(); loginErr == nil {
			login, err := oidcService.LoginHandler()
			if err != nil {
				return nil, err
			}
			callback, err := oidcService.CallbackHandler()
			if err != nil {
				return nil, err
			}
			mux.HandleFunc("GET /auth/login", login)
			mux.HandleFunc("GET /auth/callback", callback)
			mux.HandleFunc("POST /auth/logout", oidcService.LogoutHandler())
			mux.HandleFunc("GET /auth/session", oidcService.SessionHandler())
			skip = append(skip, "/auth/")
		} else {
			logger.Info("oidc login endpoints disabled", "reason", loginErr.Error())
		}
		authenticator = oidcService
	case auth.ModeGateway:
		gateway, err := auth.NewGatewayHeadersAuthenticator(cfg.InternalAuthSecret)
		if err != nil {
			return nil, err
		}
		authenticator = gateway
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(cfg)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}

	return auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "blueprintd", event)
		},
		SkipPrefixes: skip,
	}.Wrap(mux), nil
}
