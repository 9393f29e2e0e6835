package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/videoinsight/internal/job"
)

// Redis stores each job as a JSON string and each job's chunks as fields of
// one hash. Status sets index jobs for ListJobs and are updated in the same
// MULTI as the record itself.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the Redis at redisURL.
func NewRedis(redisURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if prefix == "" {
		prefix = "videoinsight"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) jobKey(id string) string { return r.prefix + ":job:" + id }

func (r *Redis) chunksKey(jobID string) string { return r.prefix + ":chunks:" + jobID }

func (r *Redis) statusKey(s job.Status) string { return r.prefix + ":jobs:" + string(s) }

func (r *Redis) PutJob(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.jobKey(j.ID), data, 0)
		for _, s := range job.AllStatuses {
			if s != j.Status {
				pipe.SRem(ctx, r.statusKey(s), j.ID)
			}
		}
		pipe.SAdd(ctx, r.statusKey(j.Status), j.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}
	return nil
}

func (r *Redis) GetJob(ctx context.Context, id string) (*job.Job, error) {
	data, err := r.client.Get(ctx, r.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &j, nil
}

func (r *Redis) ListJobs(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	if len(statuses) == 0 {
		statuses = job.AllStatuses
	}
	keys := make([]string, len(statuses))
	for i, s := range statuses {
		keys[i] = r.statusKey(s)
	}

	ids, err := r.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list job ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	jobKeys := make([]string, len(ids))
	for i, id := range ids {
		jobKeys[i] = r.jobKey(id)
	}
	vals, err := r.client.MGet(ctx, jobKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	want := statusSet(statuses)
	out := make([]*job.Job, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var j job.Job
		if err := json.Unmarshal([]byte(s), &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		// The index may briefly disagree with the record; the record wins.
		if want[j.Status] {
			out = append(out, &j)
		}
	}
	sortJobs(out)
	return out, nil
}

func (r *Redis) PutChunk(ctx context.Context, c *job.Chunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}
	if err := r.client.HSet(ctx, r.chunksKey(c.JobID), strconv.Itoa(c.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to save chunk %s: %w", c, err)
	}
	return nil
}

func (r *Redis) GetChunk(ctx context.Context, jobID string, chunkID int) (*job.Chunk, error) {
	data, err := r.client.HGet(ctx, r.chunksKey(jobID), strconv.Itoa(chunkID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("chunk %s/%d: %w", jobID, chunkID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get chunk %s/%d: %w", jobID, chunkID, err)
	}

	var c job.Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk: %w", err)
	}
	return &c, nil
}

func (r *Redis) ListChunks(ctx context.Context, jobID string) ([]*job.Chunk, error) {
	fields, err := r.client.HGetAll(ctx, r.chunksKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks %s: %w", jobID, err)
	}

	out := make([]*job.Chunk, 0, len(fields))
	for _, data := range fields {
		var c job.Chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chunk: %w", err)
		}
		out = append(out, &c)
	}
	sortChunks(out)
	return out, nil
}
