package redisbridge

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/phoenixgw/gateway/internal/bus"
	"github.com/phoenixgw/gateway/internal/gwerr"
	"github.com/phoenixgw/gateway/internal/phxframe"
)

// RunListener pattern-subscribes to to:<topic>:* and republishes every
// message onto target until ctx is canceled or the Redis subscription
// itself ends (connection loss). There is no automatic reconnect; on exit
// the caller clears the topic's listener handle so a later join can
// relaunch it.
func RunListener(ctx context.Context, client *redis.Client, topic string, target *bus.Bus) {
	sub := client.PSubscribe(ctx, inboundPattern(topic))
	defer sub.Close()

	var counter uint64
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				log.Printf("redisbridge: listener for %q ended (subscription closed): %v", topic, gwerr.ErrRedisSubscribeFailed)
				return
			}
			handleMessage(target, topic, msg, &counter)
		}
	}
}

func handleMessage(target *bus.Bus, topic string, msg *redis.Message, counter *uint64) {
	_, event, err := ParseChannel("to", msg.Channel)
	if err != nil {
		log.Printf("redisbridge: %v", err)
		return
	}

	var payload interface{}
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		log.Printf("redisbridge: listener for %q: skipping unparseable payload on event %q: %v", topic, event, err)
		return
	}

	ref := strconv.FormatUint(atomic.AddUint64(counter, 1), 10)
	f := phxframe.Frame{
		JoinRef: nil,
		Ref:     ref,
		Topic:   topic,
		Event:   event,
		Payload: payload,
	}

	if err := target.Send(f); err != nil {
		log.Printf("redisbridge: listener for %q: send with no subscribers on event %q (dropped, non-fatal)", topic, event)
	}
}
