package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/quantfolio/jobrunner/internal/config"
	"github.com/quantfolio/jobrunner/internal/job"
	"github.com/quantfolio/jobrunner/shared/rabbitmq"
)

// attemptHeader carries the consumed-attempt count across requeues
const attemptHeader = "x-attempt-count"

// RabbitMQBackend maps the queue contract onto AMQP: one durable queue per
// job type, claim = basic.get with manual ack, retryable failure =
// republish with an incremented attempt header, terminal failure = nack
// dead-lettered to the shared failed queue. Staleness reclaim is
// broker-native: unacked deliveries requeue when the claimant's connection
// dies, so ReclaimStaleJobs reports 0.
type RabbitMQBackend struct {
	client *rabbitmq.Client
	policy Policy
	logger *slog.Logger

	mu       sync.Mutex
	declared map[string]bool       // job types with a declared queue
	claims   map[string]*claimInfo // job id -> live local claim
}

// claimInfo parks the delivery tag of a claimed message until the worker
// reports an outcome
type claimInfo struct {
	deliveryTag  uint64
	workerID     string
	attemptCount int
	envelope     *jobEnvelope
}

// jobEnvelope is the message body carried on the job queues
type jobEnvelope struct {
	JobID       string          `json:"job_id"`
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
}

// resultEvent is published on the results queue when a job completes
type resultEvent struct {
	JobID       string     `json:"job_id"`
	JobType     string     `json:"job_type"`
	WorkerID    string     `json:"worker_id"`
	Result      job.Result `json:"result,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// NewRabbitMQBackend connects to the broker and declares the exchange
func NewRabbitMQBackend(cfg *config.RabbitMQConfig, policy Policy, logger *slog.Logger) (*RabbitMQBackend, error) {
	client, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueuePrefix:        cfg.QueuePrefix,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &RabbitMQBackend{
		client:   client,
		policy:   policy,
		logger:   logger,
		declared: make(map[string]bool),
		claims:   make(map[string]*claimInfo),
	}, nil
}

// ensureQueue declares the durable queue for a job type once
func (b *RabbitMQBackend) ensureQueue(jobType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.declared[jobType] {
		return nil
	}
	if err := b.client.DeclareJobQueue(jobType); err != nil {
		return err
	}
	b.declared[jobType] = true
	return nil
}

// envelopeHeaders builds the publish headers for an attempt count
func envelopeHeaders(attemptCount int) amqp.Table {
	return amqp.Table{attemptHeader: int32(attemptCount)}
}

// attemptFromHeaders reads the consumed-attempt count from a delivery
func attemptFromHeaders(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (b *RabbitMQBackend) EnqueueJob(ctx context.Context, j *job.Job) error {
	if err := b.ensureQueue(j.JobType); err != nil {
		return fmt.Errorf("failed to declare queue for %s: %w", j.JobType, err)
	}

	body, err := json.Marshal(&jobEnvelope{
		JobID:       j.ID,
		JobType:     j.JobType,
		Payload:     j.Payload,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	routingKey := b.client.JobQueueName(j.JobType)
	if err := b.client.Publish(ctx, routingKey, body, envelopeHeaders(j.AttemptCount)); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	b.logger.Debug("Job enqueued",
		slog.String("job_id", j.ID),
		slog.String("job_type", j.JobType),
	)

	return nil
}

func (b *RabbitMQBackend) GetNextJob(ctx context.Context, workerID string, jobTypes []string) (*job.Job, error) {
	for _, jobType := range jobTypes {
		if err := b.ensureQueue(jobType); err != nil {
			return nil, fmt.Errorf("failed to declare queue for %s: %w", jobType, err)
		}

		delivery, ok, err := b.client.Get(b.client.JobQueueName(jobType))
		if err != nil {
			return nil, fmt.Errorf("failed to poll queue for %s: %w", jobType, err)
		}
		if !ok {
			continue
		}

		var envelope jobEnvelope
		if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
			// Malformed message: dead-letter it rather than loop on it
			b.logger.Error("Malformed job envelope, dead-lettering",
				slog.String("job_type", jobType),
				slog.Any("error", err),
			)
			if nackErr := b.client.Nack(delivery.DeliveryTag, false); nackErr != nil {
				b.logger.Error("Failed to NACK malformed message",
					slog.Any("error", nackErr),
				)
			}
			continue
		}

		attemptCount := attemptFromHeaders(delivery.Headers) + 1
		now := time.Now().UTC()

		b.mu.Lock()
		b.claims[envelope.JobID] = &claimInfo{
			deliveryTag:  delivery.DeliveryTag,
			workerID:     workerID,
			attemptCount: attemptCount,
			envelope:     &envelope,
		}
		b.mu.Unlock()

		b.logger.Info("Job claimed",
			slog.String("job_id", envelope.JobID),
			slog.String("worker_id", workerID),
			slog.String("job_type", envelope.JobType),
			slog.Int("attempt_count", attemptCount),
		)

		return &job.Job{
			ID:           envelope.JobID,
			JobType:      envelope.JobType,
			Payload:      envelope.Payload,
			Status:       job.StatusClaimed,
			AttemptCount: attemptCount,
			MaxAttempts:  envelope.MaxAttempts,
			WorkerID:     workerID,
			CreatedAt:    envelope.CreatedAt,
			ClaimedAt:    &now,
			UpdatedAt:    now,
		}, nil
	}

	return nil, nil
}

// takeClaim removes and returns the local claim if workerID owns it
func (b *RabbitMQBackend) takeClaim(jobID, workerID string) (*claimInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	claim, ok := b.claims[jobID]
	if !ok || claim.workerID != workerID {
		return nil, job.ErrNotClaimant
	}
	delete(b.claims, jobID)
	return claim, nil
}

func (b *RabbitMQBackend) MarkJobRunning(ctx context.Context, jobID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	claim, ok := b.claims[jobID]
	if !ok || claim.workerID != workerID {
		return job.ErrNotClaimant
	}
	// Execution state is not broker-visible; the claim entry is the record
	return nil
}

func (b *RabbitMQBackend) CompleteJob(ctx context.Context, jobID, workerID string, result job.Result) error {
	claim, err := b.takeClaim(jobID, workerID)
	if err != nil {
		return err
	}

	if err := b.client.Ack(claim.deliveryTag); err != nil {
		return fmt.Errorf("failed to ack completed job: %w", err)
	}

	// Completion event for downstream consumers; the job message itself is
	// gone once acked.
	body, err := json.Marshal(&resultEvent{
		JobID:       jobID,
		JobType:     claim.envelope.JobType,
		WorkerID:    workerID,
		Result:      result,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal result event: %w", err)
	}
	if err := b.client.Publish(ctx, b.client.ResultQueueName(), body, nil); err != nil {
		b.logger.Warn("Failed to publish result event",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	b.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("job_type", claim.envelope.JobType),
	)

	return nil
}

func (b *RabbitMQBackend) FailJob(ctx context.Context, jobID, workerID, errMsg string, retryable bool) error {
	claim, err := b.takeClaim(jobID, workerID)
	if err != nil {
		return err
	}

	envelope := claim.envelope

	if retryable && !b.policy.Exhausted(claim.attemptCount, envelope.MaxAttempts) {
		// Republish carrying the consumed-attempt count, then ack the
		// original delivery
		body, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("failed to marshal job envelope: %w", err)
		}

		routingKey := b.client.JobQueueName(envelope.JobType)
		if err := b.client.Publish(ctx, routingKey, body, envelopeHeaders(claim.attemptCount)); err != nil {
			return fmt.Errorf("failed to republish job for retry: %w", err)
		}

		if err := b.client.Ack(claim.deliveryTag); err != nil {
			return fmt.Errorf("failed to ack failed job: %w", err)
		}

		b.logger.Info("Job requeued for retry",
			slog.String("job_id", envelope.JobID),
			slog.String("job_type", envelope.JobType),
			slog.Int("attempt_count", claim.attemptCount),
			slog.String("error", errMsg),
		)
		return nil
	}

	// Terminal: dead-letter to the failed queue
	if err := b.client.Nack(claim.deliveryTag, false); err != nil {
		return fmt.Errorf("failed to nack failed job: %w", err)
	}

	b.logger.Warn("Job failed terminally",
		slog.String("job_id", envelope.JobID),
		slog.String("job_type", envelope.JobType),
		slog.String("error", errMsg),
	)

	return nil
}

func (b *RabbitMQBackend) RegisterWorker(ctx context.Context, info *job.WorkerInfo) error {
	if err := b.client.DeclareWorkerQueue(info.WorkerID); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	b.logger.Info("Worker registered",
		slog.String("worker_id", info.WorkerID),
		slog.String("hostname", info.Hostname),
		slog.Int("pid", info.PID),
	)

	return nil
}

func (b *RabbitMQBackend) UpdateWorkerHeartbeat(ctx context.Context, workerID string) error {
	// Liveness is the connection itself: the auto-delete presence queue
	// disappears with it. The heartbeat just verifies the connection.
	if !b.client.IsConnected() {
		return fmt.Errorf("rabbitmq connection lost")
	}
	return nil
}

func (b *RabbitMQBackend) UnregisterWorker(ctx context.Context, workerID string) error {
	if err := b.client.DeleteQueue(b.client.WorkerQueueName(workerID)); err != nil {
		return fmt.Errorf("failed to unregister worker: %w", err)
	}

	b.logger.Info("Worker unregistered",
		slog.String("worker_id", workerID),
	)

	return nil
}

// ReclaimStaleJobs reports 0: the broker requeues unacked deliveries when
// a claimant's connection dies, so there is nothing to sweep here
func (b *RabbitMQBackend) ReclaimStaleJobs(ctx context.Context) (int, error) {
	return 0, nil
}

func (b *RabbitMQBackend) Close() error {
	return b.client.Close()
}
