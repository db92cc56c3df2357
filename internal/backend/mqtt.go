package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/quantfolio/jobrunner/internal/config"
	"github.com/quantfolio/jobrunner/internal/job"
	"github.com/quantfolio/jobrunner/shared/mqtt"
)

// MQTTBackend approximates the queue contract over MQTT pub/sub with QoS 1
// delivery. Raw MQTT has no atomic claim primitive: a shared subscription
// hands each message to one subscriber at most once per delivery, but
// redelivery after an unclean disconnect can surface a job to a second
// worker. This is the weakest-consistency backend; jobs requiring strict
// single delivery belong on the database, redis, or rabbitmq backends.
//
// Worker registrations are retained messages on workers/<id>; a Last-Will
// message clears the registration if the connection drops unexpectedly.
type MQTTBackend struct {
	cfg    *config.MQTTConfig
	policy Policy
	logger *slog.Logger

	mu         sync.Mutex
	client     *mqtt.Client
	subscribed map[string]bool
	claims     map[string]*mqttDelivery
	workerID   string
	deliveries chan *mqttDelivery
}

// mqttEnvelope is the message body carried on job topics
type mqttEnvelope struct {
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	Payload      json.RawMessage `json:"payload"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	CreatedAt    time.Time       `json:"created_at"`
}

// jobEvent is published on the events topic for every terminal transition
type jobEvent struct {
	JobID        string     `json:"job_id"`
	JobType      string     `json:"job_type"`
	WorkerID     string     `json:"worker_id"`
	Status       string     `json:"status"`
	Result       job.Result `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// NewMQTTBackend prepares the backend. The broker connection is deferred
// to the first operation so that a worker's registration can install its
// Last-Will before connecting.
func NewMQTTBackend(cfg *config.MQTTConfig, policy Policy, logger *slog.Logger) (*MQTTBackend, error) {
	logger.Warn("MQTT backend offers at-least-once delivery without an atomic claim; " +
		"jobs requiring strict single delivery should use another backend")

	return &MQTTBackend{
		cfg:        cfg,
		policy:     policy,
		logger:     logger,
		subscribed: make(map[string]bool),
		claims:     make(map[string]*mqttDelivery),
		deliveries: make(chan *mqttDelivery, 64),
	}, nil
}

// mqttDelivery pairs a decoded envelope with its unacked message
type mqttDelivery struct {
	envelope *mqttEnvelope
	msg      paho.Message
}

// connectLocked dials the broker once. willTopic is only set on the
// worker path, where the registration must be cleared on a dead connection.
func (b *MQTTBackend) connectLocked(willTopic string) error {
	if b.client != nil {
		return nil
	}

	client, err := mqtt.NewClient(&mqtt.Config{
		BrokerURL:      b.cfg.BrokerURL,
		ClientIDPrefix: b.cfg.ClientIDPrefix,
		Username:       b.cfg.Username,
		Password:       b.cfg.Password,
		QoS:            b.cfg.QoS,
		TopicPrefix:    b.cfg.TopicPrefix,
		ConnectTimeout: b.cfg.ConnectTimeout,
		WillTopic:      willTopic,
		WillPayload:    nil, // retained empty payload clears the registration
	}, b.logger)
	if err != nil {
		return err
	}

	b.client = client
	return nil
}

func (b *MQTTBackend) ensureConnected() (*mqtt.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(""); err != nil {
		return nil, err
	}
	return b.client, nil
}

func (b *MQTTBackend) EnqueueJob(ctx context.Context, j *job.Job) error {
	client, err := b.ensureConnected()
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	body, err := json.Marshal(&mqttEnvelope{
		JobID:        j.ID,
		JobType:      j.JobType,
		Payload:      j.Payload,
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		CreatedAt:    j.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	if err := client.Publish(client.Topic("jobs", j.JobType), body, false); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	b.logger.Debug("Job enqueued",
		slog.String("job_id", j.ID),
		slog.String("job_type", j.JobType),
	)

	return nil
}

// ensureSubscribed attaches the delivery-buffer handler to a job topic once
func (b *MQTTBackend) ensureSubscribed(jobType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribed[jobType] {
		return nil
	}
	if err := b.connectLocked(""); err != nil {
		return err
	}

	topic := b.client.Topic("jobs", jobType)
	err := b.client.Subscribe(topic, func(_ paho.Client, msg paho.Message) {
		var envelope mqttEnvelope
		if err := json.Unmarshal(msg.Payload(), &envelope); err != nil {
			b.logger.Error("Malformed job envelope, acking to drop",
				slog.String("topic", msg.Topic()),
				slog.Any("error", err),
			)
			msg.Ack()
			return
		}

		select {
		case b.deliveries <- &mqttDelivery{envelope: &envelope, msg: msg}:
		default:
			// Buffer full: leave unacked, the broker redelivers
			b.logger.Warn("Delivery buffer full, leaving message unacked",
				slog.String("job_id", envelope.JobID),
			)
		}
	})
	if err != nil {
		return err
	}

	b.subscribed[jobType] = true
	return nil
}

func (b *MQTTBackend) GetNextJob(ctx context.Context, workerID string, jobTypes []string) (*job.Job, error) {
	for _, jobType := range jobTypes {
		if err := b.ensureSubscribed(jobType); err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", jobType, err)
		}
	}

	select {
	case delivery := <-b.deliveries:
		envelope := delivery.envelope
		envelope.AttemptCount++

		// The ack is deferred to CompleteJob/FailJob so a crash between
		// claim and outcome leaves the message unacked for redelivery.
		b.mu.Lock()
		b.claims[envelope.JobID] = delivery
		b.mu.Unlock()

		now := time.Now().UTC()

		b.logger.Info("Job claimed",
			slog.String("job_id", envelope.JobID),
			slog.String("worker_id", workerID),
			slog.String("job_type", envelope.JobType),
			slog.Int("attempt_count", envelope.AttemptCount),
		)

		return &job.Job{
			ID:           envelope.JobID,
			JobType:      envelope.JobType,
			Payload:      envelope.Payload,
			Status:       job.StatusClaimed,
			AttemptCount: envelope.AttemptCount,
			MaxAttempts:  envelope.MaxAttempts,
			WorkerID:     workerID,
			CreatedAt:    envelope.CreatedAt,
			ClaimedAt:    &now,
			UpdatedAt:    now,
		}, nil
	default:
		return nil, nil
	}
}

func (b *MQTTBackend) MarkJobRunning(ctx context.Context, jobID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.claims[jobID]; !ok {
		return job.ErrNotClaimant
	}
	return nil
}

// takeClaim removes and returns the local claim entry. The caller acks
// the underlying message once the outcome has been settled.
func (b *MQTTBackend) takeClaim(jobID string) (*mqttDelivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivery, ok := b.claims[jobID]
	if !ok {
		return nil, job.ErrNotClaimant
	}
	delete(b.claims, jobID)
	return delivery, nil
}

// publishEvent emits a terminal-transition event on the events topic
func (b *MQTTBackend) publishEvent(event *jobEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	return b.client.Publish(b.client.Topic("events", event.Status), body, false)
}

func (b *MQTTBackend) CompleteJob(ctx context.Context, jobID, workerID string, result job.Result) error {
	delivery, err := b.takeClaim(jobID)
	if err != nil {
		return err
	}
	envelope := delivery.envelope

	err = b.publishEvent(&jobEvent{
		JobID:      jobID,
		JobType:    envelope.JobType,
		WorkerID:   workerID,
		Status:     job.StatusCompleted,
		Result:     result,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish completion event: %w", err)
	}
	delivery.msg.Ack()

	b.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("job_type", envelope.JobType),
	)

	return nil
}

func (b *MQTTBackend) FailJob(ctx context.Context, jobID, workerID, errMsg string, retryable bool) error {
	delivery, err := b.takeClaim(jobID)
	if err != nil {
		return err
	}
	envelope := delivery.envelope

	if retryable && !b.policy.Exhausted(envelope.AttemptCount, envelope.MaxAttempts) {
		body, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("failed to marshal job envelope: %w", err)
		}

		if err := b.client.Publish(b.client.Topic("jobs", envelope.JobType), body, false); err != nil {
			return fmt.Errorf("failed to republish job for retry: %w", err)
		}
		delivery.msg.Ack()

		b.logger.Info("Job requeued for retry",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.Int("attempt_count", envelope.AttemptCount),
			slog.String("error", errMsg),
		)
		return nil
	}

	err = b.publishEvent(&jobEvent{
		JobID:        jobID,
		JobType:      envelope.JobType,
		WorkerID:     workerID,
		Status:       job.StatusFailed,
		ErrorMessage: errMsg,
		OccurredAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish failure event: %w", err)
	}
	delivery.msg.Ack()

	b.logger.Warn("Job failed terminally",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("job_type", envelope.JobType),
		slog.String("error", errMsg),
	)

	return nil
}

func (b *MQTTBackend) RegisterWorker(ctx context.Context, info *job.WorkerInfo) error {
	b.mu.Lock()
	// Connect with a Last-Will that clears the retained registration if
	// the connection dies without a clean unregister
	willTopic := b.cfg.TopicPrefix + "/workers/" + info.WorkerID
	if err := b.connectLocked(willTopic); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	b.workerID = info.WorkerID
	client := b.client
	b.mu.Unlock()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}

	if err := client.Publish(client.Topic("workers", info.WorkerID), data, true); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	b.logger.Info("Worker registered",
		slog.String("worker_id", info.WorkerID),
		slog.String("hostname", info.Hostname),
		slog.Int("pid", info.PID),
	)

	return nil
}

func (b *MQTTBackend) UpdateWorkerHeartbeat(ctx context.Context, workerID string) error {
	b.mu.Lock()
	client := b.client
	registered := b.workerID == workerID
	b.mu.Unlock()

	if client == nil || !registered {
		return job.ErrWorkerNotFound
	}

	heartbeat, err := json.Marshal(map[string]interface{}{
		"worker_id":         workerID,
		"last_heartbeat_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	return client.Publish(client.Topic("heartbeats", workerID), heartbeat, false)
}

func (b *MQTTBackend) UnregisterWorker(ctx context.Context, workerID string) error {
	b.mu.Lock()
	client := b.client
	b.workerID = ""
	b.mu.Unlock()

	if client == nil {
		return nil
	}

	// Retained empty payload clears the registration
	if err := client.Publish(client.Topic("workers", workerID), nil, true); err != nil {
		return fmt.Errorf("failed to unregister worker: %w", err)
	}

	b.logger.Info("Worker unregistered",
		slog.String("worker_id", workerID),
	)

	return nil
}

// ReclaimStaleJobs reports 0: claims here are only broker deliveries, and
// redelivery of unacked messages is the broker's responsibility
func (b *MQTTBackend) ReclaimStaleJobs(ctx context.Context) (int, error) {
	return 0, nil
}

func (b *MQTTBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client.Close()
	}
	return nil
}
