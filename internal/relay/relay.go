// Package relay shares hub publishes between API replicas over Redis pub/sub
// and keeps a short-lived presence record per replica.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"checklist/api/internal/event"
	"checklist/api/internal/util"
)

const (
	defaultChannel    = "checklist:events"
	instancePrefix    = "checklist:instance:"
	heartbeatInterval = 10 * time.Second
	instanceTTL       = 3 * heartbeatInterval
)

// Local delivers an event to the connections of this replica.
type Local interface {
	Publish(ctx context.Context, group string, ev event.Event) error
}

// InstanceStats is what each replica advertises about itself.
type InstanceStats struct {
	Connections int `json:"connections"`
	Groups      int `json:"groups"`
}

type Instance struct {
	ID        string        `json:"id"`
	Stats     InstanceStats `json:"stats"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

type message struct {
	Origin string      `json:"origin"`
	Group  string      `json:"group"`
	Event  event.Event `json:"event"`
}

type Relay struct {
	client     *redis.Client
	channel    string
	instanceID string
	local      Local
	stats      func() InstanceStats
	logger     *log.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// New connects to redisURL and verifies the connection.
func New(redisURL string, local Local, logger *log.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, local, logger), nil
}

// NewWithClient creates a relay from an existing Redis client.
func NewWithClient(client *redis.Client, local Local, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	return &Relay{
		client:     client,
		channel:    defaultChannel,
		instanceID: util.NewID("inst"),
		local:      local,
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// WithStats makes Run advertise this replica's hub stats.
func (r *Relay) WithStats(fn func() InstanceStats) *Relay {
	r.stats = fn
	return r
}

func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Ready is closed once Run has subscribed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Publish delivers ev locally, then forwards it to the other replicas. A
// local delivery failure does not stop the forward.
func (r *Relay) Publish(ctx context.Context, group string, ev event.Event) error {
	var localErr error
	if r.local != nil {
		localErr = r.local.Publish(ctx, group, ev)
	}

	payload, err := json.Marshal(message{Origin: r.instanceID, Group: group, Event: ev})
	if err != nil {
		return errors.Join(localErr, fmt.Errorf("marshal relay message: %w", err))
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return errors.Join(localErr, fmt.Errorf("relay publish: %w", err))
	}
	return localErr
}

// Run subscribes to the relay channel and delivers messages from other
// replicas until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("relay subscribed", "channel", r.channel, "instance_id", r.instanceID)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	r.beat(ctx)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.forget()
			return nil
		case <-heartbeat.C:
			r.beat(ctx)
		case msg, ok := <-messages:
			if !ok {
				return errors.New("relay subscription closed")
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, payload string) {
	var msg message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn("relay message dropped", "err", err)
		return
	}
	if msg.Origin == r.instanceID || r.local == nil {
		return
	}
	if err := r.local.Publish(ctx, msg.Group, msg.Event); err != nil {
		r.logger.Warn("relay local delivery failed", "group", msg.Group, "kind", msg.Event.Kind, "err", err)
	}
}

func (r *Relay) beat(ctx context.Context) {
	if r.stats == nil {
		return
	}
	record, err := json.Marshal(Instance{ID: r.instanceID, Stats: r.stats(), UpdatedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, instancePrefix+r.instanceID, record, instanceTTL).Err(); err != nil {
		r.logger.Warn("relay heartbeat failed", "err", err)
	}
}

func (r *Relay) forget() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = r.client.Del(ctx, instancePrefix+r.instanceID).Err()
}

// Instances lists the replicas with a live presence record.
func (r *Relay) Instances(ctx context.Context) ([]Instance, error) {
	keys, err := r.client.Keys(ctx, instancePrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("list relay instances: %w", err)
	}
	instances := make([]Instance, 0, len(keys))
	for _, key := range keys {
		raw, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read relay instance: %w", err)
		}
		var instance Instance
		if err := json.Unmarshal([]byte(raw), &instance); err != nil {
			instance = Instance{ID: strings.TrimPrefix(key, instancePrefix)}
		}
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

// Ping checks if Redis is reachable.
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Relay) Close() error {
	return r.client.Close()
}
