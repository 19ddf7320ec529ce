package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dimiro1/banner"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"

	"github.com/0xPuncker/cronhook/internal/api"
	"github.com/0xPuncker/cronhook/internal/config"
	"github.com/0xPuncker/cronhook/internal/cronexpr"
	"github.com/0xPuncker/cronhook/internal/scheduler"
	"github.com/0xPuncker/cronhook/internal/store"
	"github.com/0xPuncker/cronhook/pkg/types"
)

const bannerText = `
{{ .Title "Cronhook" "" 0 }}
{{ .AnsiBackground.BrightBlue }}{{ .AnsiColor.White }}
{{ .AnsiReset }}
`

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Printf("No .env or .env.local file found. Using environment variables.\n")
		}
	}

	banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))

	configPath := flag.String("config", "config/config.json", "path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05-07:00",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.ParseLogLevel())

	st, err := store.OpenSQLite(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatalf("Failed to open job store: %v", err)
	}

	if cfg.SeedJobs != "" {
		if err := seedJobs(st, cfg.SeedJobs, logger); err != nil {
			logger.Fatalf("Failed to seed jobs: %v", err)
		}
	}

	sched := scheduler.New(st, logger, scheduler.Config{
		MaxWorkers:      cfg.Scheduler.MaxWorkers,
		RequestTimeout:  cfg.Scheduler.RequestTimeout(),
		MaxRetries:      cfg.Scheduler.MaxRetries,
		RefreshInterval: cfg.Scheduler.RefreshInterval(),
		BackoffCap:      cfg.Scheduler.BackoffCap(),
		CaptureBytes:    cfg.Scheduler.ResponseCaptureBytes,
	})
	if err := sched.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	handler := api.NewHandler(st, sched, logger)
	router := api.NewRouter(handler, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	logger.Infof("Server started on port %s - Press Ctrl+C to stop.", cfg.Server.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}

	sched.Stop(true)

	if err := st.Close(); err != nil {
		logger.Errorf("Failed to close job store: %v", err)
	}

	logger.Info("Server stopped")
}

// seedJobs upserts the bootstrap jobs from the seed file. Job ids are
// derived from seed names so re-seeding updates instead of duplicating.
func seedJobs(st store.Store, path string, logger *logrus.Logger) error {
	seeds, err := config.LoadSeedJobs(path)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, seed := range seeds {
		if err := cronexpr.Validate(seed.Schedule); err != nil {
			return fmt.Errorf("seed job %q: %w", seed.Name, err)
		}

		execType := types.ExecutionType(seed.ExecutionType)
		if seed.ExecutionType == "" {
			execType = types.AtLeastOnce
		}
		if !execType.Valid() {
			return fmt.Errorf("seed job %q: unknown execution_type %q", seed.Name, seed.ExecutionType)
		}

		active := true
		if seed.Active != nil {
			active = *seed.Active
		}

		id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("cronhook/seed/"+seed.Name)).String()
		now := time.Now().UTC()

		existing, err := st.GetJob(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			err = st.CreateJob(ctx, &types.Job{
				ID:            id,
				Schedule:      seed.Schedule,
				TargetURL:     seed.TargetURL,
				ExecutionType: execType,
				Active:        active,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
			if err != nil {
				return fmt.Errorf("seed job %q: %w", seed.Name, err)
			}
			logger.Infof("Seeded job %q (%s)", seed.Name, cronexpr.Describe(seed.Schedule))
		case err != nil:
			return fmt.Errorf("seed job %q: %w", seed.Name, err)
		default:
			existing.Schedule = seed.Schedule
			existing.TargetURL = seed.TargetURL
			existing.ExecutionType = execType
			existing.Active = active
			existing.UpdatedAt = now
			if err := st.UpdateJob(ctx, existing); err != nil {
				return fmt.Errorf("seed job %q: %w", seed.Name, err)
			}
			logger.Infof("Updated seeded job %q", seed.Name)
		}
	}
	return nil
}
