package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"chatroster/pkg/roster"
	"chatroster/pkg/source"
)

// Heartbeat marks id online until the presence TTL passes and announces a join.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	if id == "" {
		return source.NewError(source.ErrorInvalidPayload, "presence id is required")
	}

	payload, err := json.Marshal(roster.Join(id))
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.presenceKey(), redis.Z{Score: float64(s.now().UnixMilli()), Member: id})
		pipe.Publish(ctx, s.presenceChannel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return nil
}

// PublishSelfPresence announces subscriberID as online.
func (s *Store) PublishSelfPresence(ctx context.Context, subscriberID string) error {
	return s.Heartbeat(ctx, subscriberID)
}

// Leave marks id offline and announces it.
func (s *Store) Leave(ctx context.Context, id string) error {
	payload, err := json.Marshal(roster.Leave(id))
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.presenceKey(), id)
		pipe.Publish(ctx, s.presenceChannel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("leave %s: %w", id, err)
	}
	return nil
}

// Online returns ids whose last heartbeat is within the presence TTL.
func (s *Store) Online(ctx context.Context) ([]string, error) {
	cutoff := s.now().Add(-s.presenceTTL)

	ids, err := s.client.ZRangeByScore(ctx, s.presenceKey(), &redis.ZRangeBy{
		Min: "(" + score(cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read online set: %w", err)
	}
	return ids, nil
}

// Sweep removes expired heartbeats and announces a leave for each.
func (s *Store) Sweep(ctx context.Context) ([]string, error) {
	cutoff := s.now().Add(-s.presenceTTL)

	expired, err := s.client.ZRangeByScore(ctx, s.presenceKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: score(cutoff),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read expired heartbeats: %w", err)
	}

	for _, id := range expired {
		if err := s.Leave(ctx, id); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// SubscribePresence streams presence changes. The first event is a Sync of
// the current online set, read after the pub/sub subscription is live.
func (s *Store) SubscribePresence(ctx context.Context) (<-chan roster.PresenceEvent, error) {
	pubsub, err := s.subscribe(ctx, s.presenceChannel())
	if err != nil {
		return nil, err
	}

	online, err := s.Online(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, source.NewError(source.ErrorSourceDisconnected, err.Error())
	}

	out := make(chan roster.PresenceEvent, s.buffer)
	out <- roster.Sync(online...)

	go func() {
		defer close(out)
		defer pubsub.Close()

		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("presence subscription ended", "error", err)
				}
				return
			}

			event, err := DecodePresence([]byte(msg.Payload))
			if err != nil {
				s.log.Warn("dropping malformed presence payload", "error", err)
				continue
			}

			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// DecodePresence parses a join or leave payload.
func DecodePresence(payload []byte) (roster.PresenceEvent, error) {
	var event roster.PresenceEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return roster.PresenceEvent{}, source.NewError(source.ErrorInvalidPayload, err.Error())
	}

	switch event.Type {
	case roster.PresenceJoin, roster.PresenceLeave:
		if event.ID == "" {
			return roster.PresenceEvent{}, source.NewError(source.ErrorInvalidPayload, "presence id is required")
		}
		return roster.PresenceEvent{Type: event.Type, ID: event.ID}, nil
	default:
		return roster.PresenceEvent{}, source.NewError(source.ErrorInvalidPayload, fmt.Sprintf("unsupported presence type %q", event.Type))
	}
}
