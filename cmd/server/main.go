package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stream-rotator/internal/broadcast"
	"stream-rotator/internal/catalog"
	"stream-rotator/internal/encoder"
	"stream-rotator/internal/matcher"
	"stream-rotator/internal/platform/config"
	"stream-rotator/internal/platform/logger"
	"stream-rotator/internal/platform/metrics"
	"stream-rotator/internal/rotator"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	apiBaseURL := config.GetEnv("API_BASE_URL", "")
	if apiBaseURL == "" {
		log.Error("API_BASE_URL is required")
		os.Exit(1)
	}

	var tokens broadcast.TokenSource
	switch {
	case config.GetEnv("API_TOKEN", "") != "":
		tokens = broadcast.StaticTokenSource(config.GetEnv("API_TOKEN", ""))
	case config.GetEnv("API_TOKEN_URL", "") != "":
		tokens = &broadcast.CachedTokenSource{
			TokenURL:     config.GetEnv("API_TOKEN_URL", ""),
			ClientID:     config.GetEnv("API_CLIENT_ID", ""),
			ClientSecret: config.GetEnv("API_CLIENT_SECRET", ""),
		}
	default:
		log.Error("either API_TOKEN or API_TOKEN_URL with client credentials is required")
		os.Exit(1)
	}

	var source catalog.Source
	if catalogURL := config.GetEnv("CATALOG_URL", ""); catalogURL != "" {
		source = &catalog.HTTPSource{URL: catalogURL}
	} else {
		source = &catalog.DirSource{
			VideoDir: config.GetEnv("VIDEO_DIR", "videos"),
			AudioDir: config.GetEnv("AUDIO_DIR", "music"),
		}
	}

	met := metrics.New()
	match := matcher.New(nil, nil)
	cat := catalog.New(source, match.TagName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A catalog that cannot load at startup leaves nothing to air; fail fast.
	if err := cat.Refresh(ctx); err != nil {
		log.Error("initial catalog load failed", "error", err)
		os.Exit(1)
	}

	ffmpegPath := config.GetEnv("FFMPEG_PATH", "ffmpeg")

	profile := encoder.DefaultProfile()
	profile.VideoBitrate = config.GetEnv("VIDEO_BITRATE", profile.VideoBitrate)
	profile.MaxBitrate = config.GetEnv("MAX_BITRATE", profile.MaxBitrate)
	profile.FrameRate = config.GetEnvInt("FRAME_RATE", profile.FrameRate)
	profile.AudioBitrate = config.GetEnv("AUDIO_BITRATE", profile.AudioBitrate)

	client := broadcast.NewClient(
		&broadcast.HTTPAPI{BaseURL: apiBaseURL, Tokens: tokens},
		&broadcast.FFmpegThumbnailer{Path: ffmpegPath},
		log,
		met,
		broadcast.RetryPolicy{
			MaxAttempts: uint64(config.GetEnvInt("API_RETRY_ATTEMPTS", 5)),
			BaseDelay:   config.GetEnvDuration("API_RETRY_BASE_DELAY", 12*time.Second),
			Multiplier:  2,
		},
		config.GetEnvDuration("SCHEDULE_LEAD", broadcast.DefaultScheduleLead),
	)

	selector := &rotator.AssetSelector{
		Catalog:  cat,
		Matcher:  match,
		Resolver: catalog.PassthroughResolver{},
		Log:      log,
	}

	newEncoder := func() rotator.Encoder {
		return encoder.NewSupervisor(&encoder.ExecRunner{Path: ffmpegPath, Log: log}, log, met)
	}

	rot := rotator.New(selector, client, newEncoder, log, met, rotator.Config{
		SessionDuration: config.GetEnvDuration("SESSION_DURATION", 6*time.Hour),
		RotationLead:    config.GetEnvDuration("ROTATION_LEAD", 15*time.Minute),
		PollInterval:    config.GetEnvDuration("POLL_INTERVAL", 10*time.Second),
		Cooldown:        config.GetEnvDuration("RETRY_COOLDOWN", 60*time.Second),
		Profile:         profile,
	})

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() { met.SetActiveSessions(rot.ActiveSessions()) }).ServeHTTP(w, req)
	})

	srv := &http.Server{Addr: ":" + port, Handler: r}

	log.Info("rotator starting",
		"port", port,
		"api_base_url", apiBaseURL,
		"log_level", logLevel,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rot.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
