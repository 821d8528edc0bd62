package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/asyncq/pkg/api"
	"github.com/guido-cesarano/asyncq/pkg/config"
	"github.com/guido-cesarano/asyncq/pkg/heartbeat"
	"github.com/guido-cesarano/asyncq/pkg/manager"
	"github.com/guido-cesarano/asyncq/pkg/metrics"
	"github.com/guido-cesarano/asyncq/pkg/notify"
	"github.com/guido-cesarano/asyncq/pkg/registry"
	"github.com/guido-cesarano/asyncq/pkg/storage"
	"github.com/guido-cesarano/asyncq/pkg/transform"
)

// app is the wired server: one manager and everything hanging off it.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	manager   *manager.Manager
	store     *registry.MemoryStore
	janitor   *registry.Janitor
	metrics   *metrics.Metrics
	messenger notify.Messenger
	publisher *notify.Publisher
	uploader  storage.Uploader
	service   *heartbeat.Registry
	http      *http.Server

	stopCollector context.CancelFunc
}

// newWorkFunc returns the default work function: it echoes the payload under
// "processed" and, when an uploader is configured, archives the result and
// reports where in "archive_url".
func newWorkFunc(u storage.Uploader, log zerolog.Logger) manager.WorkFunc {
	return func(ctx context.Context, payload interface{}) (interface{}, error) {
		result := map[string]interface{}{
			"processed":    payload,
			"processed_at": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if _, ok := u.(storage.Noop); ok || u == nil {
			return result, nil
		}

		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		key := fmt.Sprintf("results/%s.json", uuid.New().String())
		loc, err := u.Upload(ctx, key, bytes.NewReader(data))
		if err != nil {
			// The result is still returned; only the archive is missing.
			log.Error().Err(err).Str("key", key).Msg("Failed to archive result")
			return result, nil
		}
		if loc != "" {
			result["archive_url"] = loc
		}
		return result, nil
	}
}

// newApp wires every component from cfg. Collectors register on reg and
// /metrics serves gatherer.
func newApp(cfg *config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	store, err := registry.NewMemoryStore(cfg.RetentionPolicy())
	if err != nil {
		return nil, err
	}
	a.store = store
	if cfg.RetentionPolicy().Kind != registry.KeepAll {
		a.janitor, err = registry.NewJanitor(store, cfg.Registry.SweepSpec, log)
		if err != nil {
			return nil, err
		}
	}

	a.messenger, err = notify.New(cfg.MQ.Type, notify.Options{RedisAddr: cfg.Redis.Addr, Logger: log})
	if err != nil {
		return nil, err
	}
	a.publisher = notify.NewPublisher(a.messenger, cfg.MQ.Topic, 5*time.Second, log)

	a.uploader, err = storage.New(cfg.Storage.Type, cfg.StorageOptions())
	if err != nil {
		return nil, err
	}

	a.metrics = metrics.New(reg)

	a.manager, err = manager.New(cfg.ManagerConfig(), newWorkFunc(a.uploader, log),
		manager.WithLogger(log.With().Str("component", "task_manager").Logger()),
		manager.WithStore(store),
		manager.WithObserver(a.metrics),
		manager.WithObserver(a.publisher),
	)
	if err != nil {
		return nil, err
	}

	opts := []api.Option{
		api.WithLogger(log.With().Str("component", "api").Logger()),
		api.WithPreprocessor(transform.NewPreprocessor(cfg.Limits())),
		api.WithNotifier(a.publisher),
		api.WithGatherer(gatherer),
		api.WithCORSOrigin(cfg.Server.CORSOrigin),
		api.WithMCPName(cfg.Heartbeat.ServiceName),
	}
	if cfg.Heartbeat.Enabled {
		redisAddr := ""
		if cfg.MQ.Type == string(notify.KindRedis) || cfg.Storage.Type == string(storage.KindRedis) {
			redisAddr = cfg.Redis.Addr
		}
		a.service, err = heartbeat.New(heartbeat.Config{
			Name:      cfg.Heartbeat.ServiceName,
			Addr:      cfg.Server.Addr,
			RedisAddr: redisAddr,
			Spec:      cfg.Heartbeat.Spec,
			TTL:       cfg.Heartbeat.TTL,
			Details: func() map[string]interface{} {
				s := a.manager.Stats()
				return map[string]interface{}{
					"queue_depth":    s.QueueDepth,
					"active_workers": s.ActiveWorkers,
				}
			},
			Logger: log,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, api.WithService(a.service))
	}

	a.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(a.manager, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// start brings up everything except the HTTP listener.
func (a *app) start(ctx context.Context) error {
	if err := a.messenger.Connect(ctx); err != nil {
		return fmt.Errorf("connect messenger: %w", err)
	}
	if err := a.manager.Start(); err != nil {
		return err
	}
	if a.janitor != nil {
		a.janitor.Start()
	}

	collectCtx, cancel := context.WithCancel(context.Background())
	a.stopCollector = cancel
	go a.metrics.CollectQueueMetrics(collectCtx, a.manager, 5*time.Second)

	if a.service != nil {
		if err := a.service.Start(ctx); err != nil {
			// Registration is informational; keep serving.
			a.log.Warn().Err(err).Msg("Initial heartbeat failed")
		}
	}
	return nil
}

// serve runs the HTTP listener until it is shut down.
func (a *app) serve() error {
	a.log.Info().Str("addr", a.http.Addr).Msg("Server listening")
	if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdown stops accepting requests, drains the manager and releases
// backends, in that order. ctx bounds the whole sequence.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.service != nil {
		a.service.UpdateStatus(heartbeat.StatusOffline)
	}
	if err := a.manager.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("manager stop: %w", err))
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if a.stopCollector != nil {
		a.stopCollector()
	}
	a.publisher.Wait()
	if err := a.messenger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close messenger: %w", err))
	}
	if c, ok := a.uploader.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if a.service != nil {
		if err := a.service.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
