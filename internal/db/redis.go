package db

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/strokelog"
	"github.com/redis/go-redis/v9"
)

const (
	roomKeyPrefix = "sketchroom:room:"
	logKeyPrefix  = "sketchroom:log:"
)

func roomKey(roomID string) string { return roomKeyPrefix + roomID }
func logKey(roomID string) string  { return logKeyPrefix + roomID }

// RedisStore keeps each room as a hash plus a list of JSON encoded events.
type RedisStore struct {
	rdb *redis.Client
}

var _ strokelog.Backend = (*RedisStore)(nil)

func NewRedis(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &RedisStore{rdb: rdb}, nil
}

func stampRoom(ctx context.Context, pipe redis.Pipeliner, roomID string) {
	now := strconv.FormatInt(time.Now().UTC().UnixNano(), 10)
	pipe.HSetNX(ctx, roomKey(roomID), "created_at", now)
	pipe.HSet(ctx, roomKey(roomID), "updated_at", now)
}

func (r *RedisStore) CreateRoom(ctx context.Context, roomID string) (bool, error) {
	var created *redis.BoolCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		now := strconv.FormatInt(time.Now().UTC().UnixNano(), 10)
		created = pipe.HSetNX(ctx, roomKey(roomID), "created_at", now)
		pipe.HSetNX(ctx, roomKey(roomID), "updated_at", now)
		return nil
	})
	if err != nil {
		return false, err
	}
	return created.Val(), nil
}

func (r *RedisStore) GetRoom(ctx context.Context, roomID string) (*strokelog.Room, error) {
	fields, err := r.rdb.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, err
	}
	updatedAt, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		updatedAt = createdAt
	}
	return &strokelog.Room{
		ID:           roomID,
		CreatedAt:    time.Unix(0, createdAt).UTC(),
		LastActivity: time.Unix(0, updatedAt).UTC(),
	}, nil
}

func (r *RedisStore) Append(ctx context.Context, roomID string, ev strokelog.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		stampRoom(ctx, pipe, roomID)
		pipe.RPush(ctx, logKey(roomID), b)
		return nil
	})
	return err
}

func (r *RedisStore) Replace(ctx context.Context, roomID string, events []strokelog.Event) error {
	encoded := make([]interface{}, len(events))
	for i, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		encoded[i] = b
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		stampRoom(ctx, pipe, roomID)
		pipe.Del(ctx, logKey(roomID))
		if len(encoded) > 0 {
			pipe.RPush(ctx, logKey(roomID), encoded...)
		}
		return nil
	})
	return err
}

func (r *RedisStore) Load(ctx context.Context, roomID string) ([]strokelog.Event, error) {
	raw, err := r.rdb.LRange(ctx, logKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	events := make([]strokelog.Event, 0, len(raw))
	for _, item := range raw {
		var ev strokelog.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
