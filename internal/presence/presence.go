// Package presence mirrors sweep snapshots into Redis so dashboards and other
// instances can see room occupancy without talking to the relay.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/relay"
)

// Mirror implements signaling.SnapshotSink.
//
// Keys expire after ttl, so a stopped instance disappears on its own.
type Mirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Dial connects to redisURL and pings it once.
func Dial(ctx context.Context, redisURL, prefix string, ttl time.Duration) (*Mirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix, ttl), nil
}

func New(client *redis.Client, prefix string, ttl time.Duration) *Mirror {
	return &Mirror{client: client, prefix: prefix, ttl: ttl}
}

type summary struct {
	Taken      int64    `json:"taken"`
	Registered int      `json:"registered"`
	Rooms      []string `json:"rooms"`
}

type roomRecord struct {
	Participants int   `json:"participants"`
	Active       bool  `json:"active"`
	IdleSeconds  int64 `json:"idleSeconds"`
	Taken        int64 `json:"taken"`
}

func summaryKey(prefix string) string {
	return prefix + ":presence"
}

func roomKey(prefix, roomID string) string {
	return prefix + ":room:" + roomID
}

// encode returns the key/value pairs written for snap, summary first.
func encode(prefix string, snap relay.Snapshot) (keys []string, values [][]byte, err error) {
	sum := summary{
		Taken:      snap.Taken.Unix(),
		Registered: snap.Registered,
		Rooms:      make([]string, 0, len(snap.Rooms)),
	}
	for _, st := range snap.Rooms {
		sum.Rooms = append(sum.Rooms, st.ID)
	}
	b, err := json.Marshal(sum)
	if err != nil {
		return nil, nil, err
	}
	keys = append(keys, summaryKey(prefix))
	values = append(values, b)

	for _, st := range snap.Rooms {
		b, err := json.Marshal(roomRecord{
			Participants: st.Participants,
			Active:       st.Active,
			IdleSeconds:  int64(st.Idle / time.Second),
			Taken:        snap.Taken.Unix(),
		})
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, roomKey(prefix, st.ID))
		values = append(values, b)
	}
	return keys, values, nil
}

// Publish writes the snapshot in one MULTI/EXEC round trip.
func (m *Mirror) Publish(ctx context.Context, snap relay.Snapshot) error {
	keys, values, err := encode(m.prefix, snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	pipe := m.client.TxPipeline()
	for i, key := range keys {
		pipe.Set(ctx, key, values[i], m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *Mirror) Close() error {
	return m.client.Close()
}
