package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// LeaderElection elects one auth-service instance for singleton duties via a
// TTL'd JetStream KV key. The holder refreshes the key ahead of the TTL;
// everyone else retries Create until the key expires.
type LeaderElection struct {
	kv         jetstream.KeyValue
	instanceID string
	key        string
	interval   time.Duration
	isLeader   atomic.Bool
}

// NewLeaderElection creates the election bucket and a candidate identity.
// ttl bounds how long a dead leader blocks the next election; interval is the
// renew/retry cadence and must be well under ttl.
func NewLeaderElection(js jetstream.JetStream, bucket, key string, ttl, interval time.Duration) (*LeaderElection, error) {
	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create election bucket: %w", err)
	}

	b := make([]byte, 4)
	rand.Read(b)

	return &LeaderElection{
		kv:         kv,
		instanceID: hex.EncodeToString(b),
		key:        key,
		interval:   interval,
	}, nil
}

func (le *LeaderElection) InstanceID() string {
	return le.instanceID
}

func (le *LeaderElection) IsLeader() bool {
	return le.isLeader.Load()
}

// Run campaigns until ctx is done, then resigns if leading.
func (le *LeaderElection) Run(ctx context.Context) {
	ticker := time.NewTicker(le.interval)
	defer ticker.Stop()

	le.campaign(ctx)

	for {
		select {
		case <-ctx.Done():
			le.resign()
			return
		case <-ticker.C:
			if le.isLeader.Load() {
				le.renew(ctx)
			} else {
				le.campaign(ctx)
			}
		}
	}
}

// campaign tries to claim the key. Create succeeds only while no live leader
// holds it.
func (le *LeaderElection) campaign(ctx context.Context) {
	if _, err := le.kv.Create(ctx, le.key, []byte(le.instanceID)); err == nil {
		le.isLeader.Store(true)
		slog.Info("Became leader", "instance_id", le.instanceID, "key", le.key)
		return
	}

	entry, err := le.kv.Get(ctx, le.key)
	if err != nil {
		slog.Debug("No current leader, will retry", "error", err)
		return
	}
	if string(entry.Value()) == le.instanceID {
		le.isLeader.Store(true)
	}
}

// renew refreshes the key's TTL with a revision-guarded update so a competing
// claim is never overwritten.
func (le *LeaderElection) renew(ctx context.Context) {
	entry, err := le.kv.Get(ctx, le.key)
	if err != nil {
		slog.Warn("Lost leadership, key expired", "instance_id", le.instanceID)
		le.isLeader.Store(false)
		return
	}
	if string(entry.Value()) != le.instanceID {
		slog.Warn("Lost leadership to another instance",
			"instance_id", le.instanceID, "current_leader", string(entry.Value()))
		le.isLeader.Store(false)
		return
	}

	if _, err := le.kv.Update(ctx, le.key, []byte(le.instanceID), entry.Revision()); err != nil {
		slog.Warn("Failed to renew leadership", "instance_id", le.instanceID, "error", err)
		le.isLeader.Store(false)
	}
}

// resign releases the key immediately instead of waiting out the TTL.
func (le *LeaderElection) resign() {
	if !le.isLeader.Load() {
		return
	}
	entry, err := le.kv.Get(context.Background(), le.key)
	if err == nil && string(entry.Value()) == le.instanceID {
		le.kv.Delete(context.Background(), le.key)
		slog.Info("Stepped down as leader", "instance_id", le.instanceID)
	}
	le.isLeader.Store(false)
}
