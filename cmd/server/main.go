package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mjpeg-relay/internal/platform/config"
	"mjpeg-relay/internal/platform/logger"
	"mjpeg-relay/internal/platform/metrics"
	"mjpeg-relay/internal/relay"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// cameraDefaults are the process-wide policies applied to cameras that do
// not set their own.
type cameraDefaults struct {
	retention  time.Duration
	maxFrames  int
	delay      time.Duration
	maxViewers int
}

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	camerasEnv := config.GetEnv("CAMERAS", "")
	camerasFile := config.GetEnv("CAMERAS_FILE", "")
	defaults := cameraDefaults{
		retention:  config.GetEnvDuration("RETENTION", relay.DefaultRetention),
		maxFrames:  config.GetEnvInt("MAX_FRAMES", relay.DefaultMaxFrames),
		delay:      config.GetEnvDuration("DEFAULT_DELAY", relay.DefaultDelay),
		maxViewers: config.GetEnvInt("MAX_VIEWERS", 0),
	}
	opts := relay.Options{
		Backoff: relay.BackoffConfig{
			Min:        config.GetEnvDuration("BACKOFF_MIN", time.Second),
			Max:        config.GetEnvDuration("BACKOFF_MAX", 30*time.Second),
			Multiplier: config.GetEnvFloat("BACKOFF_MULTIPLIER", 1.5),
			Jitter:     config.GetEnvFloat("BACKOFF_JITTER", 0.2),
		},
		ConnectTimeout: config.GetEnvDuration("CONNECT_TIMEOUT", relay.DefaultConnectTimeout),
		ReadTimeout:    config.GetEnvDuration("READ_TIMEOUT", relay.DefaultReadTimeout),
		EagerStart:     config.GetEnvBool("EAGER_START", true),
	}
	handlerCfg := relay.HandlerConfig{
		OutputFPS:     config.GetEnvInt("OUTPUT_FPS", relay.DefaultOutputFPS),
		WarmupTimeout: config.GetEnvDuration("WARMUP_TIMEOUT", relay.DefaultWarmupTimeout),
	}

	log := logger.New(logLevel, logFormat)

	cams, err := loadCameras(camerasEnv, camerasFile)
	if err != nil {
		log.Error("invalid camera configuration", "error", err)
		os.Exit(1)
	}
	if len(cams) == 0 {
		log.Warn("no cameras configured; set CAMERAS or CAMERAS_FILE")
	}

	met := metrics.New()
	rel := relay.NewMediaRelay(opts, log, met)
	for _, c := range cams {
		if err := rel.AddCamera(defaults.apply(c)); err != nil {
			log.Error("invalid camera", "camera", c.ID, "error", err)
			os.Exit(1)
		}
	}
	h := relay.NewHandler(rel, log, handlerCfg)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/health", h.Health)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(rel.UpdateGauges).ServeHTTP(w, r)
	})
	r.Get("/cameras", h.ListCameras)
	r.Route("/cameras/{camera_id}", func(r chi.Router) {
		r.Get("/", h.GetCamera)
		r.Get("/stream.mjpg", h.StreamMJPEG)
		r.Get("/ws", h.StreamWebSocket)
		r.Get("/snapshot.jpg", h.Snapshot)
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rel.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if camerasFile != "" {
		g.Go(func() error {
			return config.WatchFile(gctx, camerasFile, log, func() {
				reload(rel, log, defaults, camerasEnv, camerasFile)
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	log.Info("server starting",
		"port", port,
		"cameras", len(cams),
		"eager_start", opts.EagerStart,
		"output_fps", handlerCfg.OutputFPS,
		"log_level", logLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// loadCameras merges CAMERAS and CAMERAS_FILE; file entries win on id clashes.
func loadCameras(env, file string) ([]config.Camera, error) {
	cams, err := config.ParseCameraList(env)
	if err != nil {
		return nil, err
	}
	if file == "" {
		return cams, nil
	}
	fromFile, err := config.LoadCameraFile(file)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(cams))
	for i, c := range cams {
		byID[c.ID] = i
	}
	for _, c := range fromFile {
		if i, ok := byID[c.ID]; ok {
			cams[i] = c
			continue
		}
		byID[c.ID] = len(cams)
		cams = append(cams, c)
	}
	return cams, nil
}

func reload(rel *relay.MediaRelay, log *slog.Logger, defaults cameraDefaults, env, file string) {
	cams, err := loadCameras(env, file)
	if err != nil {
		log.Error("camera reload failed, keeping current cameras", "error", err)
		return
	}
	cfgs := make([]relay.CameraConfig, 0, len(cams))
	for _, c := range cams {
		cfgs = append(cfgs, defaults.apply(c))
	}
	if err := rel.Reconcile(cfgs); err != nil {
		log.Error("camera reload incomplete", "error", err)
		return
	}
	log.Info("cameras reloaded", "cameras", len(cfgs))
}

func (d cameraDefaults) apply(c config.Camera) relay.CameraConfig {
	cfg := relay.CameraConfig{
		ID:           relay.CameraID(c.ID),
		URL:          c.URL,
		Retention:    time.Duration(c.Retention),
		MaxFrames:    c.MaxFrames,
		DefaultDelay: time.Duration(c.DefaultDelay),
		MaxViewers:   c.MaxViewers,
	}
	if cfg.Retention == 0 {
		cfg.Retention = d.retention
	}
	if cfg.MaxFrames == 0 {
		cfg.MaxFrames = d.maxFrames
	}
	if cfg.DefaultDelay == 0 {
		cfg.DefaultDelay = min(d.delay, cfg.Retention)
	}
	if cfg.MaxViewers == 0 {
		cfg.MaxViewers = d.maxViewers
	}
	return cfg
}
