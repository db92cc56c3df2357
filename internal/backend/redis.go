package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/quantfolio/jobrunner/internal/config"
	"github.com/quantfolio/jobrunner/internal/job"
	"github.com/quantfolio/jobrunner/shared/redis"
)

// RedisBackend keeps the queue in Redis: one pending list per job type
// (claim is an atomic LPOP, so a job has at most one claimant), a job hash
// per record, a delayed zset holding backoff requeues, and a claimed zset
// for the staleness sweep. State transitions that read-then-write the job
// hash run as Lua scripts so no second claimant can interleave.
type RedisBackend struct {
	client *redis.Client
	rdb    *goredis.Client
	policy Policy
	logger *slog.Logger
}

// claimScript pops one job id from a pending list and stamps the claim
var claimScript = goredis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
local key = ARGV[3] .. id
redis.call('HSET', key,
	'status', 'CLAIMED',
	'worker_id', ARGV[1],
	'claimed_at', ARGV[2],
	'updated_at', ARGV[2])
redis.call('HINCRBY', key, 'attempt_count', 1)
redis.call('ZADD', KEYS[2], ARGV[2], id)
return id
`)

// promoteScript moves due delayed jobs back onto their pending lists
var promoteScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
	local jtype = redis.call('HGET', ARGV[3] .. id, 'job_type')
	if jtype then
		redis.call('RPUSH', ARGV[2] .. jtype, id)
	end
	redis.call('ZREM', KEYS[1], id)
end
return #due
`)

// completeScript validates claim ownership before storing the result
var completeScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then
	return 0
end
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'CLAIMED' and st ~= 'RUNNING' then
	return 0
end
redis.call('HSET', KEYS[1],
	'status', 'COMPLETED',
	'result', ARGV[2],
	'worker_id', '',
	'completed_at', ARGV[3],
	'updated_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[4])
return 1
`)

// failScript validates ownership, then retries with backoff or fails
// terminally depending on the attempt budget.
// Returns -1 on claim mismatch, 1 on requeue, 0 on terminal failure.
var failScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then
	return -1
end
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'CLAIMED' and st ~= 'RUNNING' then
	return -1
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempt_count') or '0')
local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts') or '0')
if max <= 0 then
	max = tonumber(ARGV[4])
end
redis.call('ZREM', KEYS[2], ARGV[7])
redis.call('HSET', KEYS[1],
	'error_message', ARGV[2],
	'worker_id', '',
	'updated_at', ARGV[5])
if ARGV[3] == '1' and attempts < max then
	redis.call('HSET', KEYS[1], 'status', 'RETRYING', 'run_after', ARGV[6])
	redis.call('ZADD', KEYS[3], ARGV[6], ARGV[7])
	return 1
end
redis.call('HSET', KEYS[1], 'status', 'FAILED', 'completed_at', ARGV[5])
return 0
`)

// NewRedisBackend connects to Redis
func NewRedisBackend(cfg *config.RedisConfig, policy Policy, logger *slog.Logger) (*RedisBackend, error) {
	client, err := redis.NewClient(&redis.Config{
		Host:      cfg.Host,
		Port:      cfg.Port,
		Password:  cfg.Password,
		DB:        cfg.DB,
		KeyPrefix: cfg.KeyPrefix,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &RedisBackend{
		client: client,
		rdb:    client.RDB(),
		policy: policy,
		logger: logger,
	}, nil
}

func (b *RedisBackend) jobKey(jobID string) string {
	return b.client.Key("job", jobID)
}

func (b *RedisBackend) pendingKey(jobType string) string {
	return b.client.Key("pending", jobType)
}

func (b *RedisBackend) workerKey(workerID string) string {
	return b.client.Key("worker", workerID)
}

func (b *RedisBackend) delayedKey() string {
	return b.client.Key("delayed")
}

func (b *RedisBackend) claimedKey() string {
	return b.client.Key("claimed")
}

// jobFields flattens a job into the hash representation
func jobFields(j *job.Job) map[string]interface{} {
	return map[string]interface{}{
		"job_type":      j.JobType,
		"payload":       string(j.Payload),
		"status":        j.Status,
		"attempt_count": j.AttemptCount,
		"max_attempts":  j.MaxAttempts,
		"worker_id":     j.WorkerID,
		"result":        string(j.Result),
		"error_message": j.ErrorMessage,
		"run_after":     j.RunAfter.UnixNano(),
		"created_at":    j.CreatedAt.UnixNano(),
		"updated_at":    j.UpdatedAt.UnixNano(),
	}
}

// jobFromHash rebuilds a job from HGETALL output
func jobFromHash(jobID string, fields map[string]string) (*job.Job, error) {
	if len(fields) == 0 {
		return nil, job.ErrJobNotFound
	}

	j := &job.Job{
		ID:           jobID,
		JobType:      fields["job_type"],
		Payload:      json.RawMessage(fields["payload"]),
		Status:       fields["status"],
		WorkerID:     fields["worker_id"],
		ErrorMessage: fields["error_message"],
	}
	if fields["result"] != "" {
		j.Result = json.RawMessage(fields["result"])
	}

	var err error
	if j.AttemptCount, err = strconv.Atoi(fields["attempt_count"]); err != nil {
		j.AttemptCount = 0
	}
	if j.MaxAttempts, err = strconv.Atoi(fields["max_attempts"]); err != nil {
		j.MaxAttempts = 0
	}

	parseTime := func(field string) time.Time {
		ns, err := strconv.ParseInt(fields[field], 10, 64)
		if err != nil {
			return time.Time{}
		}
		return time.Unix(0, ns)
	}

	j.RunAfter = parseTime("run_after")
	j.CreatedAt = parseTime("created_at")
	j.UpdatedAt = parseTime("updated_at")
	if fields["claimed_at"] != "" {
		t := parseTime("claimed_at")
		j.ClaimedAt = &t
	}
	if fields["completed_at"] != "" {
		t := parseTime("completed_at")
		j.CompletedAt = &t
	}

	return j, nil
}

func (b *RedisBackend) EnqueueJob(ctx context.Context, j *job.Job) error {
	if err := b.rdb.HSet(ctx, b.jobKey(j.ID), jobFields(j)).Err(); err != nil {
		return fmt.Errorf("failed to store job hash: %w", err)
	}

	if j.RunAfter.After(time.Now()) {
		err := b.rdb.ZAdd(ctx, b.delayedKey(), goredis.Z{
			Score:  float64(j.RunAfter.UnixNano()),
			Member: j.ID,
		}).Err()
		if err != nil {
			return fmt.Errorf("failed to delay job: %w", err)
		}
	} else {
		if err := b.rdb.RPush(ctx, b.pendingKey(j.JobType), j.ID).Err(); err != nil {
			return fmt.Errorf("failed to push job to pending list: %w", err)
		}
	}

	b.logger.Debug("Job enqueued",
		slog.String("job_id", j.ID),
		slog.String("job_type", j.JobType),
	)

	return nil
}

func (b *RedisBackend) GetNextJob(ctx context.Context, workerID string, jobTypes []string) (*job.Job, error) {
	now := time.Now()

	// Promote due retries before claiming
	err := promoteScript.Run(ctx, b.rdb,
		[]string{b.delayedKey()},
		now.UnixNano(),
		b.client.Key("pending")+":",
		b.client.Key("job")+":",
	).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	for _, jobType := range jobTypes {
		result, err := claimScript.Run(ctx, b.rdb,
			[]string{b.pendingKey(jobType), b.claimedKey()},
			workerID,
			now.UnixNano(),
			b.client.Key("job")+":",
		).Result()
		if errors.Is(err, goredis.Nil) {
			continue // empty list
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}

		jobID, ok := result.(string)
		if !ok || jobID == "" {
			continue
		}

		fields, err := b.rdb.HGetAll(ctx, b.jobKey(jobID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load claimed job %s: %w", jobID, err)
		}

		j, err := jobFromHash(jobID, fields)
		if err != nil {
			return nil, fmt.Errorf("failed to decode claimed job %s: %w", jobID, err)
		}

		b.logger.Info("Job claimed",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.String("job_type", j.JobType),
			slog.Int("attempt_count", j.AttemptCount),
		)

		return j, nil
	}

	return nil, nil
}

func (b *RedisBackend) MarkJobRunning(ctx context.Context, jobID, workerID string) error {
	owner, err := b.rdb.HGet(ctx, b.jobKey(jobID), "worker_id").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return job.ErrJobNotFound
		}
		return fmt.Errorf("failed to read job owner: %w", err)
	}
	if owner != workerID {
		return job.ErrNotClaimant
	}

	err = b.rdb.HSet(ctx, b.jobKey(jobID),
		"status", job.StatusRunning,
		"updated_at", time.Now().UnixNano(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	return nil
}

func (b *RedisBackend) CompleteJob(ctx context.Context, jobID, workerID string, result job.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	n, err := completeScript.Run(ctx, b.rdb,
		[]string{b.jobKey(jobID), b.claimedKey()},
		workerID,
		string(resultJSON),
		time.Now().UnixNano(),
		jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n == 0 {
		return job.ErrNotClaimant
	}

	b.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)

	return nil
}

func (b *RedisBackend) FailJob(ctx context.Context, jobID, workerID, errMsg string, retryable bool) error {
	attempts, err := b.rdb.HGet(ctx, b.jobKey(jobID), "attempt_count").Int()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to read attempt count: %w", err)
	}

	now := time.Now()
	retryFlag := "0"
	if retryable {
		retryFlag = "1"
	}
	runAfter := now.Add(b.policy.RetryDelay(attempts))

	n, err := failScript.Run(ctx, b.rdb,
		[]string{b.jobKey(jobID), b.claimedKey(), b.delayedKey()},
		workerID,
		errMsg,
		retryFlag,
		b.policy.MaxAttempts,
		now.UnixNano(),
		runAfter.UnixNano(),
		jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	switch n {
	case -1:
		return job.ErrNotClaimant
	case 1:
		b.logger.Info("Job requeued for retry",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.Int("attempt_count", attempts),
			slog.String("error", errMsg),
		)
	default:
		b.logger.Warn("Job failed terminally",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.Int("attempt_count", attempts),
			slog.String("error", errMsg),
		)
	}

	return nil
}

func (b *RedisBackend) RegisterWorker(ctx context.Context, info *job.WorkerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}

	// Registration TTL doubles as the liveness signal: a worker that stops
	// heartbeating simply expires
	if err := b.rdb.Set(ctx, b.workerKey(info.WorkerID), data, b.policy.StaleAfter).Err(); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	b.logger.Info("Worker registered",
		slog.String("worker_id", info.WorkerID),
		slog.String("hostname", info.Hostname),
		slog.Int("pid", info.PID),
	)

	return nil
}

func (b *RedisBackend) UpdateWorkerHeartbeat(ctx context.Context, workerID string) error {
	key := b.workerKey(workerID)

	data, err := b.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return job.ErrWorkerNotFound
		}
		return fmt.Errorf("failed to read worker registration: %w", err)
	}

	var info job.WorkerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("failed to decode worker registration: %w", err)
	}

	info.LastHeartbeatAt = time.Now().UTC()
	updated, err := json.Marshal(&info)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}

	if err := b.rdb.Set(ctx, key, updated, b.policy.StaleAfter).Err(); err != nil {
		return fmt.Errorf("failed to refresh worker registration: %w", err)
	}

	return nil
}

func (b *RedisBackend) UnregisterWorker(ctx context.Context, workerID string) error {
	if err := b.rdb.Del(ctx, b.workerKey(workerID)).Err(); err != nil {
		return fmt.Errorf("failed to unregister worker: %w", err)
	}

	b.logger.Info("Worker unregistered",
		slog.String("worker_id", workerID),
	)

	return nil
}

// ReclaimStaleJobs walks the claimed zset and requeues jobs whose worker
// registration key has expired
func (b *RedisBackend) ReclaimStaleJobs(ctx context.Context) (int, error) {
	jobIDs, err := b.rdb.ZRange(ctx, b.claimedKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list claimed jobs: %w", err)
	}

	reclaimed := 0
	for _, jobID := range jobIDs {
		workerID, err := b.rdb.HGet(ctx, b.jobKey(jobID), "worker_id").Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				b.rdb.ZRem(ctx, b.claimedKey(), jobID)
				continue
			}
			return reclaimed, fmt.Errorf("failed to read claimant of %s: %w", jobID, err)
		}

		if workerID != "" {
			alive, err := b.rdb.Exists(ctx, b.workerKey(workerID)).Result()
			if err != nil {
				return reclaimed, fmt.Errorf("failed to check worker liveness: %w", err)
			}
			if alive > 0 {
				continue
			}
		}

		// Same transition as a retryable failure, attributed to the dead worker
		if err := b.FailJob(ctx, jobID, workerID, "worker heartbeat expired", true); err != nil {
			if errors.Is(err, job.ErrNotClaimant) {
				continue
			}
			return reclaimed, err
		}
		reclaimed++
	}

	if reclaimed > 0 {
		b.logger.Warn("Reclaimed jobs from stale workers",
			slog.Int("count", reclaimed),
		)
	}

	return reclaimed, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Ping checks the Redis connection
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}
