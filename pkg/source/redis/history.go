package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"chatroster/pkg/roster"
	"chatroster/pkg/source"
)

// Append stores msg in the history of both participants and publishes it on
// both message channels. Missing ids get a ULID.
func (s *Store) Append(ctx context.Context, msg roster.Message) (roster.Message, error) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.ContentKind == "" {
		msg.ContentKind = roster.ContentText
	}
	if msg.SenderID == "" || msg.RecipientID == "" {
		return roster.Message{}, source.NewError(source.ErrorInvalidPayload, "sender and recipient are required")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return roster.Message{}, err
	}

	participants := []string{msg.SenderID}
	if msg.RecipientID != msg.SenderID {
		participants = append(participants, msg.RecipientID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range participants {
			pipe.ZAdd(ctx, s.historyKey(id), redis.Z{Score: float64(msg.CreatedAt.UnixMilli()), Member: string(data)})
			pipe.Publish(ctx, s.messageChannel(id), data)
		}
		return nil
	})
	if err != nil {
		return roster.Message{}, fmt.Errorf("append message %s: %w", msg.ID, err)
	}

	return msg, nil
}

// LoadHistory returns the full history of subscriberID, oldest first.
func (s *Store) LoadHistory(ctx context.Context, subscriberID string) ([]roster.Message, error) {
	return s.loadRange(ctx, subscriberID, "-inf")
}

// LoadHistorySince returns the history of subscriberID from since onwards.
func (s *Store) LoadHistorySince(ctx context.Context, subscriberID string, since time.Time) ([]roster.Message, error) {
	return s.loadRange(ctx, subscriberID, score(since))
}

func (s *Store) loadRange(ctx context.Context, subscriberID string, min string) ([]roster.Message, error) {
	results, err := s.client.ZRangeByScore(ctx, s.historyKey(subscriberID), &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, source.NewError(source.ErrorIO, err.Error())
	}

	messages := make([]roster.Message, 0, len(results))
	for _, data := range results {
		msg, err := DecodeMessage([]byte(data))
		if err != nil {
			s.log.Warn("skipping malformed history entry", "subscriber", subscriberID, "error", err)
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// SubscribeMessages streams messages published to subscriberID's channel.
func (s *Store) SubscribeMessages(ctx context.Context, subscriberID string) (<-chan roster.Message, error) {
	pubsub, err := s.subscribe(ctx, s.messageChannel(subscriberID))
	if err != nil {
		return nil, err
	}

	out := make(chan roster.Message, s.buffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		for {
			payload, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("message subscription ended", "subscriber", subscriberID, "error", err)
				}
				return
			}

			msg, err := DecodeMessage([]byte(payload.Payload))
			if err != nil {
				s.log.Warn("dropping malformed message payload", "error", err)
				continue
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// DecodeMessage parses the JSON form of a message.
func DecodeMessage(payload []byte) (roster.Message, error) {
	var msg roster.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return roster.Message{}, source.NewError(source.ErrorInvalidPayload, err.Error())
	}
	if msg.ID == "" {
		return roster.Message{}, source.NewError(source.ErrorInvalidPayload, "message id is required")
	}

	msg.ContentKind = roster.ParseContentKind(string(msg.ContentKind))
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}
