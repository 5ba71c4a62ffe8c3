package engine

import (
	"context"
	"time"

	"github.com/meridianhealth/researchflow/common/config"
	"github.com/meridianhealth/researchflow/common/logger"
	"github.com/meridianhealth/researchflow/common/redis"
	"github.com/meridianhealth/researchflow/workflow/approval"
)

// ResumeConsumer reads wake events from the resume stream through a
// consumer group and feeds them to the pool. Messages are acked after
// enqueue; a dropped wake is recovered by the periodic scan.
type ResumeConsumer struct {
	client   *redis.Client
	pool     *Pool
	log      *logger.Logger
	stream   string
	group    string
	consumer string
}

// NewResumeConsumer creates a stream consumer with a per-process name.
func NewResumeConsumer(client *redis.Client, pool *Pool, engineCfg config.EngineConfig,
	consumerName string, log *logger.Logger) *ResumeConsumer {

	return &ResumeConsumer{
		client:   client,
		pool:     pool,
		log:      log,
		stream:   engineCfg.ResumeStream,
		group:    engineCfg.ConsumerGroup,
		consumer: consumerName,
	}
}

// Run consumes wake events until ctx is done.
func (c *ResumeConsumer) Run(ctx context.Context) error {
	if err := c.client.CreateStreamGroup(ctx, c.stream, c.group); err != nil {
		return err
	}

	c.log.Info("resume consumer started",
		"stream", c.stream, "group", c.group, "consumer", c.consumer)

	for {
		if err := ctx.Err(); err != nil {
			c.log.Info("resume consumer stopped")
			return nil
		}

		streams, err := c.client.ReadFromStreamGroup(ctx, c.group, c.consumer, c.stream, 16, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("reading resume stream failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				requestID, _ := message.Values[approval.FieldRequestID].(string)
				cause, _ := message.Values[approval.FieldCause].(string)
				if requestID != "" {
					c.log.Debug("workflow woken", "request_id", requestID, "cause", cause)
					c.pool.Enqueue(requestID)
				}
				if err := c.client.AckStreamMessage(ctx, c.stream, c.group, message.ID); err != nil {
					c.log.Error("acking resume message failed",
						"message_id", message.ID, "error", err)
				}
			}
		}
	}
}
