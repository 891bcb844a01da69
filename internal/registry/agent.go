package registry

import (
	"context"
	"errors"
	"log"

	"github.com/phoenixgw/gateway/internal/bus"
	"github.com/phoenixgw/gateway/internal/gwerr"
)

// runRelay is the agent's relay task. It has two legs sharing one
// cancellation scope:
//
//   - topic -> agent: reads the topic bus, stamps join_ref onto every
//     frame, and forwards it into the agent's own intermediate broadcast.
//   - agent -> connection: reads that intermediate broadcast and forwards
//     into the owning connection's egress bus.
//
// Splitting the hop this way is what lets many agents belonging to the same
// connection (one per joined topic) merge their streams into the single
// shared connection egress without racing each other's join_ref stamp.
// Both subscriptions are taken by the registry inside Join, so a broadcast
// issued immediately after Join returns is guaranteed to be visible to
// this relay's cursors.
func runRelay(ctx context.Context, agentID, joinRef string, topicSub, agentSub *bus.Subscription, agentBus, connEgress *bus.Bus) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		agentToConn(ctx, agentID, agentSub, connEgress)
	}()
	topicToAgent(ctx, agentID, joinRef, topicSub, agentBus)
	<-done
}

func topicToAgent(ctx context.Context, agentID, joinRef string, sub *bus.Subscription, agentBus *bus.Bus) {
	defer sub.Close()

	for {
		f, lagged, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		if lagged > 0 {
			log.Printf("registry: agent %s relay lagged by %d frames on topic bus", agentID, lagged)
		}
		jr := joinRef
		f.JoinRef = &jr
		if err := agentBus.Send(f); err != nil && !errors.Is(err, gwerr.ErrChannelEmpty) {
			return
		}
	}
}

func agentToConn(ctx context.Context, agentID string, sub *bus.Subscription, connEgress *bus.Bus) {
	defer sub.Close()

	for {
		f, lagged, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		if lagged > 0 {
			log.Printf("registry: agent %s relay lagged by %d frames on agent bus", agentID, lagged)
		}
		if err := connEgress.Send(f); err != nil && !errors.Is(err, gwerr.ErrChannelEmpty) {
			return
		}
	}
}
