// Package heartbeat registers the running service and keeps its
// registration fresh.
//
// Each instance writes its Info as JSON to "service:{name}:{instance}" with
// a TTL and refreshes it on a cron schedule, so an instance that dies
// disappears once the TTL lapses. Without a Redis address the registry only
// tracks its own status locally.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Status is the registration state of the service.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Info is what an instance publishes about itself.
type Info struct {
	Name          string                 `json:"name"`
	InstanceID    string                 `json:"instance_id"`
	Addr          string                 `json:"addr,omitempty"`
	Status        Status                 `json:"status"`
	StartedAt     time.Time              `json:"started_at"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Config configures a Registry.
type Config struct {
	Name string
	// Addr is the address the service is reachable at, for information only.
	Addr string
	// RedisAddr enables shared registration when set.
	RedisAddr string
	// Spec is the cron spec for heartbeats. Defaults to "@every 10s".
	Spec string
	// TTL is the lifetime of a registration. Defaults to three heartbeats' worth (30s).
	TTL time.Duration
	// Details, if set, is called on every heartbeat to attach extra fields.
	Details func() map[string]interface{}
	Logger  zerolog.Logger
}

// Registry publishes this instance's Info.
type Registry struct {
	cfg      Config
	instance string
	rdb      *redis.Client
	cron     *cron.Cron
	log      zerolog.Logger

	mu        sync.RWMutex
	status    Status
	startedAt time.Time
	lastBeat  time.Time
}

// New validates cfg and prepares, but does not start, a Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if cfg.Spec == "" {
		cfg.Spec = "@every 10s"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}

	r := &Registry{
		cfg:      cfg,
		instance: uuid.New().String(),
		cron:     cron.New(),
		status:   StatusOffline,
		log:      cfg.Logger.With().Str("component", "heartbeat").Str("service", cfg.Name).Logger(),
	}
	if cfg.RedisAddr != "" {
		r.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	if _, err := r.cron.AddFunc(cfg.Spec, r.beat); err != nil {
		return nil, fmt.Errorf("invalid heartbeat spec %q: %w", cfg.Spec, err)
	}
	return r, nil
}

// Key returns the Redis key this instance registers under.
func (r *Registry) Key() string {
	return fmt.Sprintf("service:%s:%s", r.cfg.Name, r.instance)
}

// Start marks the service online, sends a first heartbeat and starts the schedule.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	r.startedAt = time.Now()
	r.status = StatusOnline
	r.mu.Unlock()

	err := r.SendHeartbeat(ctx)
	r.cron.Start()
	r.log.Info().Str("instance_id", r.instance).Msg("Service registered")
	return err
}

// Stop halts heartbeats, marks the service offline and removes the registration.
func (r *Registry) Stop(ctx context.Context) error {
	<-r.cron.Stop().Done()
	r.UpdateStatus(StatusOffline)

	if r.rdb == nil {
		return nil
	}
	defer r.rdb.Close()
	if err := r.rdb.Del(ctx, r.Key()).Err(); err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	r.log.Info().Msg("Service deregistered")
	return nil
}

// SendHeartbeat refreshes the registration. A failed write moves the status
// to error; the next successful one moves it back to online.
func (r *Registry) SendHeartbeat(ctx context.Context) error {
	now := time.Now()
	r.mu.Lock()
	r.lastBeat = now
	r.mu.Unlock()

	if r.rdb == nil {
		return nil
	}

	data, err := json.Marshal(r.ServiceInfo())
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.Key(), data, r.cfg.TTL).Err(); err != nil {
		r.setStatusIf(StatusOnline, StatusError)
		return fmt.Errorf("heartbeat: %w", err)
	}
	r.setStatusIf(StatusError, StatusOnline)
	return nil
}

// UpdateStatus sets the status reported by the next heartbeat.
func (r *Registry) UpdateStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// ServiceInfo returns this instance's current Info.
func (r *Registry) ServiceInfo() Info {
	r.mu.RLock()
	info := Info{
		Name:          r.cfg.Name,
		InstanceID:    r.instance,
		Addr:          r.cfg.Addr,
		Status:        r.status,
		StartedAt:     r.startedAt,
		LastHeartbeat: r.lastBeat,
	}
	r.mu.RUnlock()

	if r.cfg.Details != nil {
		info.Details = r.cfg.Details()
	}
	return info
}

// Instances lists every live registration of this service, this one included.
func (r *Registry) Instances(ctx context.Context) ([]Info, error) {
	if r.rdb == nil {
		return []Info{r.ServiceInfo()}, nil
	}

	var out []Info
	iter := r.rdb.Scan(ctx, 0, fmt.Sprintf("service:%s:*", r.cfg.Name), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var info Info
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, iter.Err()
}

func (r *Registry) setStatusIf(from, to Status) {
	r.mu.Lock()
	if r.status == from {
		r.status = to
	}
	r.mu.Unlock()
}

func (r *Registry) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.SendHeartbeat(ctx); err != nil {
		r.log.Error().Err(err).Msg("Heartbeat failed")
	}
}
