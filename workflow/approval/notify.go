package approval

import (
	"context"
	"fmt"

	"github.com/meridianhealth/researchflow/common/redis"
)

// Stream entry fields shared with the engine's resume consumer.
const (
	FieldRequestID = "request_id"
	FieldCause     = "cause"
)

// Wake causes.
const (
	CauseDecision = "approval_decided"
	CauseTimeout  = "approval_timed_out"
	CauseSubmit   = "request_submitted"
	CauseCancel   = "cancellation_requested"
)

// Waker reactivates a parked workflow.
type Waker interface {
	Wake(ctx context.Context, requestID, cause string) error
}

// RedisWaker publishes wake events onto the engine's resume stream.
type RedisWaker struct {
	client *redis.Client
	stream string
}

// NewRedisWaker creates a waker for the given stream.
func NewRedisWaker(client *redis.Client, stream string) *RedisWaker {
	return &RedisWaker{client: client, stream: stream}
}

// Wake appends a resume event for a request.
func (w *RedisWaker) Wake(ctx context.Context, requestID, cause string) error {
	_, err := w.client.AddToStream(ctx, w.stream, map[string]interface{}{
		FieldRequestID: requestID,
		FieldCause:     cause,
	})
	if err != nil {
		return fmt.Errorf("waking %s: %w", requestID, err)
	}
	return nil
}
