package usage

import (
	"context"
	"errors"

	"xray-control/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const pendingPrefix = "usage:pending:"

func pendingKey(g group) string {
	return pendingPrefix + string(g)
}

func batchKey(g group) string {
	return pendingPrefix + string(g) + ":batch"
}

// pendingBatch returns the id of the batch buffered in Redis, or "".
func (r *Reconciler) pendingBatch(ctx context.Context, g group) (string, error) {
	id, err := r.redis.Get(ctx, batchKey(g)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (r *Reconciler) dropPending(ctx context.Context, g group) error {
	return r.redis.Del(ctx, pendingKey(g), batchKey(g)).Err()
}

// bufferRedis adds deltas to the group's pending hash and mirrors the whole
// hash into the backup file.
func (r *Reconciler) bufferRedis(ctx context.Context, g group, deltas []Delta) error {
	if err := r.absorb(ctx, g); err != nil {
		return err
	}
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, batchKey(g), uuid.NewString(), 0)
		increment(ctx, pipe, g, deltas)
		return nil
	})
	if err != nil {
		return err
	}
	return r.mirror(ctx, g)
}

func increment(ctx context.Context, pipe redis.Pipeliner, g group, deltas []Delta) {
	for _, d := range deltas {
		for f, v := range d.fields() {
			pipe.HIncrBy(ctx, pendingKey(g), f, v)
		}
	}
}

// absorb brings Redis in line with the group's backup file. A buffered
// batch already committed through the direct path is dropped, and deltas
// the file holds beyond the Redis batch are moved into it. Afterwards the
// file mirrors Redis.
func (r *Reconciler) absorb(ctx context.Context, g group) error {
	id, err := r.pendingBatch(ctx, g)
	if err != nil {
		return err
	}
	if id != "" {
		done, err := r.committed(ctx, id, g)
		if err != nil {
			return err
		}
		if done {
			if err := r.dropPending(ctx, g); err != nil {
				return err
			}
			id = ""
		}
	}

	b, err := r.backups.read(g)
	if err != nil || b == nil {
		return err
	}
	if b.ID == id && b.Buffered {
		return nil
	}
	if b.ID != id {
		done, err := r.committed(ctx, b.ID, g)
		if err != nil {
			return err
		}
		if done {
			return r.mirror(ctx, g)
		}
	}

	// a file under the Redis batch id was extended by the direct path and
	// holds everything the hash does
	if id == "" || id == b.ID {
		err = r.replay(ctx, g, b)
	} else {
		_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			increment(ctx, pipe, g, b.Deltas)
			return nil
		})
	}
	if err != nil {
		return err
	}
	logger.Infof("usage: moved %s backup %s into redis", g, b.ID)
	return r.mirror(ctx, g)
}

// loadPending reads the group's buffered batch from Redis.
func (r *Reconciler) loadPending(ctx context.Context, g group) (*Backup, error) {
	id, err := r.pendingBatch(ctx, g)
	if err != nil || id == "" {
		return nil, err
	}
	hash, err := r.redis.HGetAll(ctx, pendingKey(g)).Result()
	if err != nil {
		return nil, err
	}
	deltas, err := decodeFields(hash)
	if err != nil {
		return nil, err
	}
	return &Backup{ID: id, Deltas: deltas}, nil
}

func (r *Reconciler) mirror(ctx context.Context, g group) error {
	b, err := r.loadPending(ctx, g)
	if err != nil {
		return err
	}
	if b == nil {
		return r.backups.remove(g)
	}
	b.Buffered = true
	return r.backups.write(g, b)
}

// replay loads a backup into Redis under its own batch id.
func (r *Reconciler) replay(ctx context.Context, g group, b *Backup) error {
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, pendingKey(g), batchKey(g))
		pipe.Set(ctx, batchKey(g), b.ID, 0)
		increment(ctx, pipe, g, b.Deltas)
		return nil
	})
	return err
}

// pendingTotals sums the buffered traffic of one kind per subject.
func (r *Reconciler) pendingTotals(ctx context.Context, g group, kind Kind) (map[uint]int64, error) {
	b, err := r.loadPending(ctx, g)
	if err != nil || b == nil {
		return nil, err
	}
	out := make(map[uint]int64)
	for _, d := range b.Deltas {
		if d.Kind == kind {
			out[d.SubjectID] += d.Total()
		}
	}
	return out, nil
}
