package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Publisher and Consumer over Redis Streams with consumer
// groups. Each queue is a stream; redelivery is done by re-adding the entry
// with an incremented delivery count after the policy delay, and exhausted
// messages are moved to a "<queue>.dlq" stream.
type Redis struct {
	client   *redis.Client
	group    string
	consumer string
	policy   RetryPolicy
	logger   *slog.Logger
}

// NewRedis creates a broker bound to one consumer group. consumer identifies
// this instance within the group (e.g. the hostname).
func NewRedis(client *redis.Client, group, consumer string, policy RetryPolicy, logger *slog.Logger) *Redis {
	return &Redis{
		client:   client,
		group:    group,
		consumer: consumer,
		policy:   policy,
		logger:   logger,
	}
}

// Publish appends the message to the stream for its exchange and routing key.
func (r *Redis) Publish(ctx context.Context, msg Message) error {
	stream := QueueName(msg.Exchange, msg.RoutingKey)
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: deliveryValues(msg.MessageID, msg.CorrelationID, msg.Body, 1),
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// Consume reads the queue's stream through the consumer group and hands each
// entry to h, blocking until ctx is cancelled. Alongside the read loop it runs
// a periodic sweep that takes over entries left pending by consumers that died
// between read and ack.
func (r *Redis) Consume(ctx context.Context, queue string, h Handler) error {
	if err := r.ensureGroup(ctx, queue); err != nil {
		return err
	}

	go r.reclaimLoop(ctx, queue, h)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{queue, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("stream read failed", "queue", queue, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				r.handleEntry(ctx, queue, entry, h)
			}
		}
	}
}

func (r *Redis) reclaimMinIdle() time.Duration {
	if r.policy.ReclaimMinIdle > 0 {
		return r.policy.ReclaimMinIdle
	}
	return 5 * time.Minute
}

// reclaimLoop sweeps the queue's pending entries on the idle-threshold period
// until ctx is cancelled.
func (r *Redis) reclaimLoop(ctx context.Context, queue string, h Handler) {
	ticker := time.NewTicker(r.reclaimMinIdle())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reclaimPending(ctx, queue, h)
		}
	}
}

// reclaimPending takes over entries another consumer read but never acked,
// e.g. a crash after XReadGroup, and runs them through the normal handling
// path. Entries idle for less than the threshold stay with their holder.
func (r *Redis) reclaimPending(ctx context.Context, queue string, h Handler) {
	start := "0-0"
	for {
		entries, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   queue,
			Group:    r.group,
			Consumer: r.consumer,
			MinIdle:  r.reclaimMinIdle(),
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				r.logger.Error("pending reclaim failed", "queue", queue, "error", err)
			}
			return
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("reclaimed pending entry", "queue", queue, "entry_id", entry.ID)
			r.handleEntry(ctx, queue, entry, h)
		}
		if len(entries) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

func (r *Redis) ensureGroup(ctx context.Context, queue string) error {
	err := r.client.XGroupCreateMkStream(ctx, queue, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group for %s: %w", queue, err)
	}
	return nil
}

func (r *Redis) handleEntry(ctx context.Context, queue string, entry redis.XMessage, h Handler) {
	d := deliveryFromEntry(queue, entry)

	err := h(ctx, d)

	// Bookkeeping must finish even when shutdown begins mid-entry, or the
	// ack is lost and the entry sits pending forever.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		r.ack(bctx, queue, entry.ID)
		return
	}

	exhausted := d.DeliveryCount >= r.policy.MaxDeliveryCount
	if IsFatal(err) || exhausted {
		r.logger.Error("dead-lettering message",
			"queue", queue, "message_id", d.MessageID,
			"delivery_count", d.DeliveryCount, "fatal", IsFatal(err), "error", err)
		r.deadLetter(bctx, queue, d, err)
		r.ack(bctx, queue, entry.ID)
		return
	}

	r.logger.Warn("scheduling redelivery",
		"queue", queue, "message_id", d.MessageID,
		"delivery_count", d.DeliveryCount, "delay", r.policy.RetryDelay, "error", err)
	r.scheduleRedelivery(queue, d)
	r.ack(bctx, queue, entry.ID)
}

// scheduleRedelivery re-adds the entry with an incremented delivery count
// after the policy delay. The original entry is acked by the caller, so a
// crash during the delay loses at most one redelivery attempt, which the
// stuck-claim timeout tolerates.
func (r *Redis) scheduleRedelivery(queue string, d Delivery) {
	timer := time.NewTimer(r.policy.RetryDelay)
	go func() {
		<-timer.C
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: queue,
			Values: deliveryValues(d.MessageID, d.CorrelationID, d.Body, d.DeliveryCount+1),
		}).Err()
		if err != nil {
			r.logger.Error("redelivery re-add failed", "queue", queue, "message_id", d.MessageID, "error", err)
		}
	}()
}

func (r *Redis) deadLetter(ctx context.Context, queue string, d Delivery, cause error) {
	values := deliveryValues(d.MessageID, d.CorrelationID, d.Body, d.DeliveryCount)
	values["error"] = cause.Error()
	if err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: queue + ".dlq", Values: values}).Err(); err != nil {
		r.logger.Error("dead-letter write failed", "queue", queue, "message_id", d.MessageID, "error", err)
	}
}

func (r *Redis) ack(ctx context.Context, queue, entryID string) {
	if err := r.client.XAck(ctx, queue, r.group, entryID).Err(); err != nil {
		r.logger.Error("ack failed", "queue", queue, "entry_id", entryID, "error", err)
	}
}

func deliveryValues(messageID, correlationID string, body []byte, deliveryCount int) map[string]any {
	return map[string]any{
		"message_id":     messageID,
		"correlation_id": correlationID,
		"body":           string(body),
		"delivery_count": strconv.Itoa(deliveryCount),
	}
}

func deliveryFromEntry(queue string, entry redis.XMessage) Delivery {
	d := Delivery{Queue: queue, DeliveryCount: 1}
	if v, ok := entry.Values["message_id"].(string); ok {
		d.MessageID = v
	}
	if v, ok := entry.Values["correlation_id"].(string); ok {
		d.CorrelationID = v
	}
	if v, ok := entry.Values["body"].(string); ok {
		d.Body = []byte(v)
	}
	if v, ok := entry.Values["delivery_count"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.DeliveryCount = n
		}
	}
	return d
}
