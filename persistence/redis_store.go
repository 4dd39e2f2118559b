package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lexcodex/dbtmigrate/framework"
)

const (
	redisSnapshotPrefix = "dbtmigrate:snapshot:"
	redisArchivePrefix  = "dbtmigrate:archive:"
	redisActiveIndex    = "dbtmigrate:snapshots"
	redisArchiveIndex   = "dbtmigrate:archived"
)

// RedisSnapshotStore keeps one string key per run plus index sets.
type RedisSnapshotStore struct {
	rdb *redis.Client
}

// NewRedisSnapshotStore connects using a redis:// URL.
func NewRedisSnapshotStore(redisURL string) (*RedisSnapshotStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisSnapshotStore{rdb: redis.NewClient(opts)}, nil
}

// NewRedisSnapshotStoreFromClient wraps an existing client.
func NewRedisSnapshotStoreFromClient(rdb *redis.Client) *RedisSnapshotStore {
	return &RedisSnapshotStore{rdb: rdb}
}

// Close releases the client.
func (s *RedisSnapshotStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies the server is reachable.
func (s *RedisSnapshotStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Save writes the snapshot and indexes it in one MULTI/EXEC.
func (s *RedisSnapshotStore) Save(ctx context.Context, state *framework.MigrationState) error {
	data, err := encode(state)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisSnapshotPrefix+state.RunID, data, 0)
		pipe.SAdd(ctx, redisActiveIndex, state.RunID)
		pipe.Del(ctx, redisArchivePrefix+state.RunID)
		pipe.SRem(ctx, redisArchiveIndex, state.RunID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", state.RunID, err)
	}
	return nil
}

// Load retrieves a snapshot, falling back to the archive.
func (s *RedisSnapshotStore) Load(ctx context.Context, runID string) (*framework.MigrationState, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	for _, key := range []string{redisSnapshotPrefix + runID, redisArchivePrefix + runID} {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return decode(data)
	}
	return nil, notFound(runID)
}

// List returns active and archived snapshots, newest first.
func (s *RedisSnapshotStore) List(ctx context.Context) ([]SnapshotInfo, error) {
	var infos []SnapshotInfo
	for _, idx := range []struct {
		set, prefix string
		archived    bool
	}{{redisActiveIndex, redisSnapshotPrefix, false}, {redisArchiveIndex, redisArchivePrefix, true}} {
		ids, err := s.rdb.SMembers(ctx, idx.set).Result()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", idx.set, err)
		}
		if len(ids) == 0 {
			continue
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = idx.prefix + id
		}
		values, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			state, err := decode([]byte(raw))
			if err != nil {
				return nil, err
			}
			infos = append(infos, infoFor(state, idx.archived))
		}
	}
	sortInfos(infos)
	return infos, nil
}

// Delete removes a snapshot, active or archived.
func (s *RedisSnapshotStore) Delete(ctx context.Context, runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, redisSnapshotPrefix+runID, redisArchivePrefix+runID)
		pipe.SRem(ctx, redisActiveIndex, runID)
		pipe.SRem(ctx, redisArchiveIndex, runID)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return notFound(runID)
	}
	return nil
}

// Archive renames the snapshot key into the archive namespace.
func (s *RedisSnapshotStore) Archive(ctx context.Context, runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	err := s.rdb.Rename(ctx, redisSnapshotPrefix+runID, redisArchivePrefix+runID).Err()
	if err != nil {
		if err.Error() == "ERR no such key" {
			return notFound(runID)
		}
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, redisActiveIndex, runID)
		pipe.SAdd(ctx, redisArchiveIndex, runID)
		return nil
	})
	return err
}
