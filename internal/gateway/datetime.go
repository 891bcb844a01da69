package gateway

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/phoenixgw/gateway/internal/gwerr"
	"github.com/phoenixgw/gateway/internal/phxframe"
	"github.com/phoenixgw/gateway/internal/registry"
)

// RunDatetimeBroadcaster ticks a timestamp onto topic's bus every interval
// until ctx is canceled. It is a server-side broadcaster in the same sense
// as the Redis ingress listener: it holds a clone of the topic's sender via
// the registry and treats an empty channel as a dropped message, never a
// failure. Runs against the system topic in the stock wiring.
func RunDatetimeBroadcaster(ctx context.Context, reg *registry.Registry, topic string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var counter uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
			f := phxframe.Frame{
				Ref:   strconv.FormatUint(counter, 10),
				Topic: topic,
				Event: "datetime",
				Payload: phxframe.ReplyPayload{
					Status:   phxframe.StatusOK,
					Response: map[string]interface{}{"datetime": now, "counter": counter},
				},
			}
			if _, err := reg.Broadcast(topic, f); err != nil &&
				!errors.Is(err, gwerr.ErrChannelEmpty) && !errors.Is(err, gwerr.ErrChannelNotFound) {
				log.Printf("gateway: datetime broadcast on %q: %v", topic, err)
			}
			counter++
		}
	}
}
