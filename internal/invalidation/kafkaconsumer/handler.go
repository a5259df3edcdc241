package kafkaconsumer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/IBM/sarama"
)

type messageProcessor func(context.Context, *sarama.ConsumerMessage) error

type groupHandler struct {
	process messageProcessor
	// partitions currently claimed by this member
	assigned atomic.Int32
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	var n int32
	for _, parts := range sess.Claims() {
		n += int32(len(parts))
	}
	h.assigned.Store(n)
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.assigned.Store(0)
	return nil
}

// ConsumeClaim applies messages in partition order and marks each one only
// after it was applied; a failure ends the claim so the message is
// redelivered after the rebalance.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim context done: %w", ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				return fmt.Errorf("apply invalidation (topic=%s, part=%d, off=%d): %w",
					msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
		}
	}
}
