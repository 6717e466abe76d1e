// Package registry tracks engine instances and their liveness.
//
// Two indices live in Redis: the set of known logical engine ids, and per
// engine the set of instance ids that have registered. Each instance owns a
// heartbeat hash under its own key with a TTL, so a crashed instance simply
// expires. Liveness is always scoped to instance_id: a replacement instance
// reusing the same logical engine id never masks the death of its
// predecessor.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/pkg/config"
)

// ErrNotRegistered indicates a heartbeat for an instance whose record has
// expired or never existed. The caller should re-register.
var ErrNotRegistered = errors.New("instance not registered")

// Instance statuses.
const (
	StatusReady   = "ready"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

const enginesKey = "dalston:engines"

func instancesKey(engineID string) string {
	return "dalston:engine:" + engineID + ":instances"
}

func heartbeatKey(instanceID string) string {
	return "dalston:heartbeat:" + instanceID
}

// InstanceInfo is the heartbeat record an engine instance maintains.
type InstanceInfo struct {
	EngineID      string
	InstanceID    string
	Status        string
	Capabilities  []string
	LastHeartbeat time.Time
}

// NewInstanceID derives a unique instance id for a logical engine.
func NewInstanceID(engineID string) string {
	return engineID + "-" + uuid.New().String()[:8]
}

// Registry provides engine instance registration and liveness queries.
type Registry struct {
	rdb *redis.Client
	cfg *config.RegistryConfig
}

// NewRegistry creates a registry over the given Redis client.
func NewRegistry(rdb *redis.Client, cfg *config.RegistryConfig) *Registry {
	return &Registry{rdb: rdb, cfg: cfg}
}

// Register adds the instance to its engine's instance set and writes the
// initial heartbeat record. Idempotent: re-registering refreshes the record.
func (r *Registry) Register(ctx context.Context, info InstanceInfo) error {
	if info.EngineID == "" || info.InstanceID == "" {
		return fmt.Errorf("engine_id and instance_id are required")
	}
	if info.Status == "" {
		info.Status = StatusReady
	}

	caps, err := json.Marshal(info.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, enginesKey, info.EngineID)
	pipe.SAdd(ctx, instancesKey(info.EngineID), info.InstanceID)
	pipe.HSet(ctx, heartbeatKey(info.InstanceID), map[string]any{
		"engine_id":      info.EngineID,
		"instance_id":    info.InstanceID,
		"status":         info.Status,
		"capabilities":   string(caps),
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, heartbeatKey(info.InstanceID), r.cfg.HeartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register instance %s: %w", info.InstanceID, err)
	}
	return nil
}

// Heartbeat refreshes an instance's record and TTL. Returns ErrNotRegistered
// when the record has already expired, so the instance can re-register
// instead of resurrecting a partial record.
func (r *Registry) Heartbeat(ctx context.Context, instanceID, status string) error {
	key := heartbeatKey(instanceID)

	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check heartbeat key: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNotRegistered, instanceID)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status":         status,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, r.cfg.HeartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh heartbeat for %s: %w", instanceID, err)
	}
	return nil
}

// Deregister removes an instance from its engine's set and deletes its
// heartbeat record. Called on graceful shutdown.
func (r *Registry) Deregister(ctx context.Context, engineID, instanceID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, instancesKey(engineID), instanceID)
	pipe.Del(ctx, heartbeatKey(instanceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister instance %s: %w", instanceID, err)
	}
	return nil
}

// GetInstance returns the heartbeat record for an instance, or nil when the
// record does not exist.
func (r *Registry) GetInstance(ctx context.Context, instanceID string) (*InstanceInfo, error) {
	fields, err := r.rdb.HGetAll(ctx, heartbeatKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeat for %s: %w", instanceID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	info := &InstanceInfo{
		EngineID:   fields["engine_id"],
		InstanceID: fields["instance_id"],
		Status:     fields["status"],
	}
	if raw := fields["capabilities"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &info.Capabilities); err != nil {
			return nil, fmt.Errorf("corrupt capabilities for %s: %w", instanceID, err)
		}
	}
	if raw := fields["last_heartbeat"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt last_heartbeat for %s: %w", instanceID, err)
		}
		info.LastHeartbeat = ts
	}
	return info, nil
}

// IsAlive reports whether an instance counts as live: its record exists, its
// status is not offline, and its heartbeat is within the liveness window.
func (r *Registry) IsAlive(ctx context.Context, instanceID string) (bool, error) {
	info, err := r.GetInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return r.alive(info), nil
}

func (r *Registry) alive(info *InstanceInfo) bool {
	if info == nil || info.Status == StatusOffline {
		return false
	}
	return time.Since(info.LastHeartbeat) < r.cfg.LivenessWindow
}

// ListInstances enumerates the live instances of a logical engine. Expired
// ids linger in the set until the reconciler prunes them; this read path
// filters them out without writing.
func (r *Registry) ListInstances(ctx context.Context, engineID string) ([]*InstanceInfo, error) {
	ids, err := r.rdb.SMembers(ctx, instancesKey(engineID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances of %s: %w", engineID, err)
	}

	live := make([]*InstanceInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.alive(info) {
			live = append(live, info)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].InstanceID < live[j].InstanceID })
	return live, nil
}

// ListEngines returns the sorted set of known logical engine ids.
func (r *Registry) ListEngines(ctx context.Context) ([]string, error) {
	engines, err := r.rdb.SMembers(ctx, enginesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list engines: %w", err)
	}
	sort.Strings(engines)
	return engines, nil
}

// HasLiveInstance reports whether any instance of the engine is alive.
func (r *Registry) HasLiveInstance(ctx context.Context, engineID string) (bool, error) {
	live, err := r.ListInstances(ctx, engineID)
	if err != nil {
		return false, err
	}
	return len(live) > 0, nil
}

// AnyCapable reports whether any live instance of the engine advertises the
// given capability.
func (r *Registry) AnyCapable(ctx context.Context, engineID, capability string) (bool, error) {
	live, err := r.ListInstances(ctx, engineID)
	if err != nil {
		return false, err
	}
	for _, info := range live {
		for _, c := range info.Capabilities {
			if c == capability {
				return true, nil
			}
		}
	}
	return false, nil
}

// Prune removes instance ids whose heartbeat record has expired, and forgets
// engines left with no instances. Returns the number of instances removed.
func (r *Registry) Prune(ctx context.Context) (int, error) {
	engines, err := r.rdb.SMembers(ctx, enginesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list engines: %w", err)
	}

	removed := 0
	for _, engineID := range engines {
		ids, err := r.rdb.SMembers(ctx, instancesKey(engineID)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to list instances of %s: %w", engineID, err)
		}

		remaining := len(ids)
		for _, id := range ids {
			exists, err := r.rdb.Exists(ctx, heartbeatKey(id)).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to check heartbeat of %s: %w", id, err)
			}
			if exists == 0 {
				if err := r.rdb.SRem(ctx, instancesKey(engineID), id).Err(); err != nil {
					return removed, fmt.Errorf("failed to prune instance %s: %w", id, err)
				}
				removed++
				remaining--
			}
		}

		if remaining == 0 {
			pipe := r.rdb.TxPipeline()
			pipe.Del(ctx, instancesKey(engineID))
			pipe.SRem(ctx, enginesKey, engineID)
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("failed to forget engine %s: %w", engineID, err)
			}
		}
	}
	return removed, nil
}
