package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/systemcmd0122/toramori/internal/api"
	"github.com/systemcmd0122/toramori/internal/config"
	"github.com/systemcmd0122/toramori/internal/connectivity"
	"github.com/systemcmd0122/toramori/internal/email"
	"github.com/systemcmd0122/toramori/internal/identity/local"
	"github.com/systemcmd0122/toramori/internal/metrics"
	"github.com/systemcmd0122/toramori/internal/netcall"
	"github.com/systemcmd0122/toramori/internal/profile"
	"github.com/systemcmd0122/toramori/internal/region"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _ := zap.NewProduction()
		defer logger.Sync() //nolint:errcheck

		if cfg.File == "" {
			logger.Warn("no config file found, using defaults and env vars")
		}
		return serve(logger, cfg)
	},
}

func serve(logger *zap.Logger, c *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Store ─────────────────────────────────────────────────────────────────
	b, err := openStore(ctx, c, logger)
	if err != nil {
		return err
	}
	defer b.close()

	// ── Connectivity ──────────────────────────────────────────────────────────
	var probe connectivity.Probe = connectivity.NewStatic(true)
	if len(c.Connectivity.ProbeAddrs) > 0 {
		probe = connectivity.NewDialProbe(connectivity.DialConfig{
			Addrs:    c.Connectivity.ProbeAddrs,
			Timeout:  c.Connectivity.ProbeTimeout,
			CacheFor: c.Connectivity.CacheFor,
		}, logger)
		logger.Info("connectivity probe configured", zap.Strings("addrs", c.Connectivity.ProbeAddrs))
	}

	// ── Email Sender ──────────────────────────────────────────────────────────
	var mailer email.Sender
	if c.Email.SMTPHost != "" {
		mailer = email.NewSMTPSender(email.SMTPConfig{
			Host:     c.Email.SMTPHost,
			Port:     c.Email.SMTPPort,
			Username: c.Email.SMTPUsername,
			Password: c.Email.SMTPPassword,
			From:     c.Email.FromAddress,
		})
		logger.Info("SMTP email sender configured", zap.String("host", c.Email.SMTPHost))
	} else {
		mailer = email.NewNoopSender(logger)
		logger.Info("email sender: noop (set email.smtp_host to enable SMTP)")
	}

	// ── Identity ──────────────────────────────────────────────────────────────
	secret := []byte(c.Auth.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate session secret: %w", err)
		}
		logger.Warn("auth.session_secret not set; using a random secret, session tokens will not survive a restart")
	}
	tokens, err := local.NewTokenIssuer(secret, c.Auth.Issuer, c.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("session tokens: %w", err)
	}
	dir := local.NewDirectory(local.Config{
		Store:         b.store,
		Mailer:        mailer,
		Tokens:        tokens,
		VerifyBaseURL: c.Server.FrontendURL,
		UserInfoURL:   c.Auth.UserInfoURL,
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
		AttemptEvery:  c.Auth.AttemptInterval,
		AttemptBurst:  c.Auth.AttemptBurst,
	}, logger)

	// ── Regions and profiles ──────────────────────────────────────────────────
	recorder := netcall.WithEventRecorder(metrics.RecordNetcallEvent)
	regions := region.NewService(b.store, probe, logger,
		region.WithRegionsTTL(c.Cache.RegionsTTL),
		region.WithExecutorOptions(recorder),
	)
	profiles := profile.NewService(b.store, probe, logger, nil, recorder)

	if err := seedRegions(ctx, regions, c.Regions.Seed, logger); err != nil {
		return err
	}

	// ── Sessions ──────────────────────────────────────────────────────────────
	hub := api.NewHub(api.HubConfig{
		Directory:    dir,
		Regions:      regions,
		Profiles:     profiles,
		IdleTimeout:  c.Server.SessionIdleTimeout,
		OnTransition: metrics.RecordAuthTransition,
	}, logger)
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	rcfg := api.RouterConfig{
		CORSOrigins:  c.Server.CORSOrigins,
		RateLimitRPS: c.Server.RateLimitRPS,
	}
	if b.ping != nil {
		rcfg.Pinger = b.ping
	}
	router := api.NewRouter(ctx, rcfg, api.NewHandler(hub, regions, dir, logger), logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("toramori HTTP listening", zap.Int("port", c.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down toramori...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	<-hubDone

	logger.Info("toramori stopped")
	return nil
}

func seedRegions(ctx context.Context, regions *region.Service, seed []string, logger *zap.Logger) error {
	for _, entry := range seed {
		name, code, err := config.ParseSeed(entry)
		if err != nil {
			return err
		}
		d, err := regions.Create(ctx, name, code)
		switch {
		case errors.Is(err, region.ErrCodeExists):
			continue
		case err != nil:
			return fmt.Errorf("seed region %s: %w", name, err)
		}
		logger.Info("region seeded", zap.String("name", d.Name), zap.String("code", d.Code))
	}
	return nil
}
