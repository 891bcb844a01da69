package registry

import (
	"context"
	"testing"
	"time"

	"github.com/phoenixgw/gateway/internal/gwerr"
	"github.com/phoenixgw/gateway/internal/phxframe"
)

func newTestRegistry() *Registry {
	return New(nil, nil, 8)
}

func joinAgent(t *testing.T, r *Registry, connID, topic, joinRef, externalID string) string {
	t.Helper()
	r.AddConn(connID)
	agentID := connID + ":" + topic + ":" + joinRef
	r.AddAgent(agentID)
	r.EnsureTopic(topic)
	got, err := r.Join(topic, connID, joinRef, externalID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if got != agentID {
		t.Fatalf("got agent id %q, want %q", got, agentID)
	}
	return agentID
}

func TestJoinRequiresPreexistingTopicAndAgent(t *testing.T) {
	r := newTestRegistry()
	r.AddConn("c1")
	if _, err := r.Join("r", "c1", "1", "uA"); err == nil {
		t.Fatalf("expected an error joining a topic that was never created")
	}
}

func TestJoinThenCountInvariant(t *testing.T) {
	r := newTestRegistry()
	joinAgent(t, r, "c1", "room", "1", "uA")
	joinAgent(t, r, "c2", "room", "1", "uB")

	if got := r.TopicSubscriberCount("room"); got != 2 {
		t.Fatalf("got subscriber count %d, want 2", got)
	}
	st := r.PresenceState("room")
	if len(st) != 2 {
		t.Fatalf("got %d presence entries, want 2", len(st))
	}
}

func TestLeaveDestroysLastAgentNonSpecialTopic(t *testing.T) {
	r := newTestRegistry()
	agentID := joinAgent(t, r, "c1", "room", "1", "uA")

	if err := r.Leave("room", agentID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := r.TopicSubscriberCount("room"); got != -1 {
		t.Fatalf("topic should be GC'd once empty, got subscriber count %d", got)
	}
}

func TestLeaveOnSpecialTopicNeverGCs(t *testing.T) {
	r := newTestRegistry()
	agentID := joinAgent(t, r, "c1", "system", "1", "uA")

	if err := r.Leave("system", agentID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := r.TopicSubscriberCount("system"); got != 0 {
		t.Fatalf("special topic must survive with 0 subscribers, got %d", got)
	}
}

func TestConnCleanupRemovesEveryAgentForConn(t *testing.T) {
	r := newTestRegistry()
	joinAgent(t, r, "c1", "room", "1", "uA")
	joinAgent(t, r, "c1", "other", "1", "uA")
	joinAgent(t, r, "c2", "room", "1", "uB")

	r.ConnCleanup("c1")

	if got := r.TopicSubscriberCount("room"); got != 1 {
		t.Fatalf("room should retain only c2's agent, got count %d", got)
	}
	if got := r.TopicSubscriberCount("other"); got != -1 {
		t.Fatalf("other should have been GC'd empty, got count %d", got)
	}
}

func TestBroadcastFailsWhenTopicMissingOrEmpty(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Broadcast("ghost", phxframe.Frame{}); err != gwerr.ErrChannelNotFound {
		t.Fatalf("got err=%v, want ErrChannelNotFound", err)
	}

	r.EnsureTopic("quiet")
	if _, err := r.Broadcast("quiet", phxframe.Frame{}); err != gwerr.ErrChannelEmpty {
		t.Fatalf("got err=%v, want ErrChannelEmpty", err)
	}
}

func TestBroadcastDeliversToJoinedAgentsConnection(t *testing.T) {
	r := newTestRegistry()
	agentID := joinAgent(t, r, "c1", "weather:wind", "1", "uA")

	egress := r.AddConn("c1")
	sub := egress.Subscribe()
	defer sub.Close()

	count, err := r.Broadcast("weather:wind", phxframe.Frame{Topic: "weather:wind", Event: "update"})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if count != 1 {
		t.Fatalf("got subscriber count %d, want 1", count)
	}

	f, _, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if f.Topic != "weather:wind" || f.Event != "update" {
		t.Fatalf("got topic=%q event=%q", f.Topic, f.Event)
	}
	if f.JoinRef == nil || *f.JoinRef != "1" {
		t.Fatalf("expected relay to stamp join_ref=1, got %+v", f.JoinRef)
	}
	_ = agentID
}

func TestDuplicateJoinKeepsNewestAgentWithoutPanicking(t *testing.T) {
	r := newTestRegistry()
	r.AddConn("c1")
	r.EnsureTopic("room")
	agentID := "c1:room:1"
	r.AddAgent(agentID)

	if _, err := r.Join("room", "c1", "1", "uA"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, err := r.Join("room", "c1", "1", "uA"); err != nil {
		t.Fatalf("duplicate join: %v", err)
	}
	if got := r.TopicSubscriberCount("room"); got != 1 {
		t.Fatalf("duplicate agent id must not double the set, got %d", got)
	}
}

func TestEnsureTopicIsIdempotentAndReportsCreation(t *testing.T) {
	r := newTestRegistry()
	b1, created1 := r.EnsureTopic("room")
	if !created1 {
		t.Fatalf("expected first EnsureTopic to report creation")
	}
	b2, created2 := r.EnsureTopic("room")
	if created2 {
		t.Fatalf("expected second EnsureTopic to be a no-op")
	}
	if b1 != b2 {
		t.Fatalf("expected the same bus handle across calls")
	}
}

func TestSpecialTopicsPreExistAndAreNeverMissing(t *testing.T) {
	r := newTestRegistry()
	for _, name := range SpecialTopics {
		if got := r.TopicSubscriberCount(name); got != 0 {
			t.Fatalf("special topic %q should pre-exist empty, got %d", name, got)
		}
	}
}

func TestLeaveOfUnknownAgentIsReported(t *testing.T) {
	r := newTestRegistry()
	if err := r.Leave("room", "nope"); err != gwerr.ErrAgentNotInitiated {
		t.Fatalf("got err=%v, want ErrAgentNotInitiated", err)
	}
}

// TestRelayShutsDownOnLeave is a smoke test that the relay goroutines
// actually exit (rather than leaking) once Leave cancels their context; it
// gives them a brief window to unwind and then checks the bus's
// subscriber bookkeeping has unwound too.
func TestRelayShutsDownOnLeave(t *testing.T) {
	r := newTestRegistry()
	agentID := joinAgent(t, r, "c1", "room", "1", "uA")
	agentBus := r.AddAgent(agentID) // idempotent: the bus the relay subscribed to
	if err := r.Leave("room", agentID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if got := agentBus.SubscriberCount(); got != 0 {
		t.Fatalf("want 0 lingering subscribers on agent bus after leave, got %d", got)
	}
}
