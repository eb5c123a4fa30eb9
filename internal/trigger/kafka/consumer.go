// Copyright 2025 the Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kafka consumes trigger messages from a Kafka topic and turns
// them into pipeline submissions. Offsets are committed only after the
// scheduler has accepted the submission, so delivery is at-least-once;
// the (schedule_id, fire_time) idempotency key on the submission makes
// redelivered messages converge on the same execution.
package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/spine-io/spine/internal/config"
	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/scheduler"
	"github.com/spine-io/spine/pkg/errors"
)

// retryDelay spaces out redelivery attempts when the scheduler refuses
// a submission with a retryable error (draining, queue full).
const retryDelay = time.Second

// Submitter is the slice of the scheduler facade the trigger needs.
type Submitter interface {
	Submit(ctx context.Context, pipelineName string, params pipeline.Params, trig scheduler.Trigger) (string, error)
}

// envelope is the wire shape of one trigger message.
type envelope struct {
	Pipeline   string         `json:"pipeline"`
	Params     map[string]any `json:"params,omitempty"`
	ScheduleID string         `json:"schedule_id,omitempty"`
	FireTime   time.Time      `json:"fire_time,omitempty"`
	Priority   int            `json:"priority,omitempty"`
}

// Consumer reads trigger envelopes from one topic as part of a
// consumer group.
type Consumer struct {
	reader    *kafkago.Reader
	submitter Submitter
	logger    *slog.Logger
	doneCh    chan struct{}
}

// NewConsumer validates the configuration and prepares a consumer.
// The connection is lazy; brokers are first contacted on Start.
func NewConsumer(cfg config.KafkaTriggerConfig, submitter Submitter, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.NewConfig(errors.SubMissing, "triggers.kafka.brokers", "at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.NewConfig(errors.SubMissing, "triggers.kafka.topic", "topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.NewConfig(errors.SubMissing, "triggers.kafka.group_id", "consumer group id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})

	return &Consumer{
		reader:    reader,
		submitter: submitter,
		logger: log.WithComponent(logger, "kafka-trigger").With(
			slog.String("topic", cfg.Topic), slog.String("group", cfg.GroupID)),
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the consume loop.
func (c *Consumer) Start(ctx context.Context) error {
	go c.run(ctx)
	c.logger.Info("kafka trigger started")
	return nil
}

// Stop closes the reader, which unblocks the loop, and waits for it
// to finish. Uncommitted messages are redelivered to the group.
func (c *Consumer) Stop() error {
	err := c.reader.Close()
	<-c.doneCh
	return err
}

// run fetches messages one at a time. A message is committed once it
// has been submitted or judged poison; a retryable refusal keeps the
// offset uncommitted and retries in place.
func (c *Consumer) run(ctx context.Context) {
	defer close(c.doneCh)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || err == io.EOF {
				return
			}
			recordKafkaError("fetch")
			c.logger.Error("kafka trigger fetch failed", log.Error(err))
			return
		}

		for {
			err := c.handleMessage(ctx, msg)
			if err == nil {
				break
			}
			recordKafkaMessage("deferred")
			c.logger.Warn("submission refused, holding offset for retry",
				slog.Int64("offset", msg.Offset), log.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			recordKafkaError("commit")
			c.logger.Error("kafka trigger commit failed",
				slog.Int64("offset", msg.Offset), log.Error(err))
		}
	}
}

// handleMessage decodes and submits one envelope. A nil return means
// the offset may be committed: either the submission was accepted or
// the message is poison and retrying would never help. A non-nil
// return means the refusal was transient and the message should be
// redelivered.
func (c *Consumer) handleMessage(ctx context.Context, msg kafkago.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		recordKafkaMessage("poison")
		c.logger.Error("discarding undecodable trigger message",
			slog.Int64("offset", msg.Offset), log.Error(err))
		return nil
	}
	if env.Pipeline == "" {
		recordKafkaMessage("poison")
		c.logger.Error("discarding trigger message without a pipeline",
			slog.Int64("offset", msg.Offset))
		return nil
	}

	executionID, err := c.submitter.Submit(ctx, env.Pipeline, pipeline.Params(env.Params),
		scheduler.Trigger{
			ScheduleID: env.ScheduleID,
			FireTime:   env.FireTime,
			Source:     "kafka",
			Priority:   env.Priority,
		})
	if err != nil {
		if errors.IsRetryable(err) {
			return err
		}
		recordKafkaMessage("poison")
		c.logger.Error("discarding unsubmittable trigger message",
			slog.Int64("offset", msg.Offset),
			slog.String(log.PipelineKey, env.Pipeline), log.Error(err))
		return nil
	}

	recordKafkaMessage("submitted")
	c.logger.Info("trigger message submitted",
		slog.Int64("offset", msg.Offset),
		slog.String(log.PipelineKey, env.Pipeline),
		slog.String(log.ExecutionIDKey, executionID))
	return nil
}
