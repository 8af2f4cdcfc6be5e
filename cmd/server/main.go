package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/conservehq/conserve/internal/api"
	"github.com/conservehq/conserve/internal/app"
	iauth "github.com/conservehq/conserve/internal/auth"
	"github.com/conservehq/conserve/internal/database"
	"github.com/conservehq/conserve/internal/realtime"
	"github.com/conservehq/conserve/internal/services"
	"github.com/conservehq/conserve/pkg/logger"
	"github.com/conservehq/conserve/pkg/mail"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("conserve-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	cfg, err := app.LoadConfig(paths...)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	db, err := database.Open(cfg.Database.DatabaseOptions())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
	}()

	if err := database.Prepare(db); err != nil {
		return fmt.Errorf("prepare database: %w", err)
	}

	tokens, err := iauth.NewTokenService(cfg.Auth.TokenServiceConfig())
	if err != nil {
		return fmt.Errorf("initialise token service: %w", err)
	}
	otp, err := iauth.NewOTPService(db, iauth.WithOTPTTL(cfg.Auth.OTPTTL()))
	if err != nil {
		return fmt.Errorf("initialise otp service: %w", err)
	}

	var mailer mail.Mailer
	if cfg.Email.SMTP.Enabled {
		mailer, err = mail.NewSMTPMailer(cfg.Email.MailerSettings())
		if err != nil {
			return fmt.Errorf("initialise mailer: %w", err)
		}
	} else {
		log.Warn("smtp disabled; outbound email is dropped")
		mailer = mail.NewNoopMailer()
	}
	from := cfg.Email.SMTP.From

	hub := realtime.NewHub(cfg.Server.AllowedOrigins)

	notifications, err := services.NewNotificationService(db, hub)
	if err != nil {
		return err
	}
	organizations, err := services.NewOrganizationService(db)
	if err != nil {
		return err
	}
	tasks, err := services.NewTaskService(db, notifications)
	if err != nil {
		return err
	}
	memberships, err := services.NewMembershipService(db, tasks, notifications)
	if err != nil {
		return err
	}
	exits, err := services.NewExitService(db, otp, mailer, from, tasks, organizations, notifications)
	if err != nil {
		return err
	}
	auth, err := services.NewAuthService(services.AuthServiceConfig{
		DB:            db,
		Tokens:        tokens,
		OTP:           otp,
		Organizations: organizations,
		Memberships:   memberships,
		Notifications: notifications,
		Mailer:        mailer,
		From:          from,
		BaseURL:       cfg.Server.BaseURL,
		ResetTTL:      cfg.Auth.ResetTTL(),
	})
	if err != nil {
		return err
	}

	router, err := api.NewRouter(api.Dependencies{
		DB:            db,
		Config:        cfg,
		Tokens:        tokens,
		Hub:           hub,
		Auth:          auth,
		Organizations: organizations,
		Memberships:   memberships,
		Tasks:         tasks,
		Notifications: notifications,
		Exits:         exits,
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
