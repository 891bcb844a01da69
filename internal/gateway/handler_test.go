package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/phoenixgw/gateway/internal/phxframe"
	"github.com/phoenixgw/gateway/internal/registry"
	"github.com/phoenixgw/gateway/internal/token"
)

func newTestServer() *Server {
	reg := registry.New(nil, nil, 8)
	verifier := token.NewVerifier("test-secret")
	return NewServer(reg, verifier, nil, 8, 65536, 60)
}

func mintTestToken(t *testing.T, externalID, channel string) string {
	t.Helper()
	m := token.NewMinter("test-secret", 3600)
	tok, err := m.Mint(externalID, channel)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

func newTestSession(s *Server, connID string) *connSession {
	egress := s.reg.AddConn(connID)
	return &connSession{id: connID, srv: s, egress: egress}
}

func TestHandleJoinOnSystemTopicReplaysOKWithAgentID(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s, "conn1")
	tok := mintTestToken(t, "u1", "system")
	jr := "1"

	f := phxframe.Frame{
		JoinRef: &jr,
		Ref:     "r1",
		Topic:   "system",
		Event:   phxframe.EventPhxJoin,
		Payload: map[string]interface{}{"token": tok},
	}

	sub := sess.egress.Subscribe()
	s.dispatch(context.Background(), sess, f)

	reply, _, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	rp, ok := reply.Payload.(phxframe.ReplyPayload)
	if !ok {
		t.Fatalf("payload is %T, want ReplyPayload", reply.Payload)
	}
	if rp.Status != phxframe.StatusOK {
		t.Fatalf("got status=%q, want ok", rp.Status)
	}
	resp, ok := rp.Response.(map[string]interface{})
	if !ok || resp["id"] != "conn1:system:1" {
		t.Fatalf("got response=%+v, want id=conn1:system:1", rp.Response)
	}

	state, _, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("recv presence_state: %v", err)
	}
	if state.Event != phxframe.EventPresenceState {
		t.Fatalf("got event=%q, want presence_state", state.Event)
	}

	if got := s.reg.TopicSubscriberCount("system"); got != 1 {
		t.Fatalf("got subscriber count %d, want 1", got)
	}
}

func TestHandleJoinWithBadTokenRepliesError(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s, "conn1")
	jr := "1"

	f := phxframe.Frame{
		JoinRef: &jr,
		Ref:     "r1",
		Topic:   "system",
		Event:   phxframe.EventPhxJoin,
		Payload: map[string]interface{}{"token": "garbage"},
	}

	sub := sess.egress.Subscribe()
	s.dispatch(context.Background(), sess, f)

	reply, _, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	rp := reply.Payload.(phxframe.ReplyPayload)
	if rp.Status != phxframe.StatusError {
		t.Fatalf("got status=%q, want error", rp.Status)
	}
	if got := s.reg.TopicSubscriberCount("system"); got != 0 {
		t.Fatalf("a rejected join must not register an agent, got count %d", got)
	}
}

func TestHandleJoinFallsBackToQueryToken(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s, "conn1")
	sess.queryToken = mintTestToken(t, "u1", "system")
	jr := "1"

	f := phxframe.Frame{
		JoinRef: &jr,
		Ref:     "r1",
		Topic:   "system",
		Event:   phxframe.EventPhxJoin,
		Payload: map[string]interface{}{},
	}

	s.dispatch(context.Background(), sess, f)
	if got := s.reg.TopicSubscriberCount("system"); got != 1 {
		t.Fatalf("expected join to succeed via query-param token fallback, got count %d", got)
	}
}

func TestHandleJoinThenLeaveRemovesAgent(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s, "conn1")
	tok := mintTestToken(t, "u1", "system")
	jr := "1"

	joinFrame := phxframe.Frame{
		JoinRef: &jr, Ref: "r1", Topic: "system", Event: phxframe.EventPhxJoin,
		Payload: map[string]interface{}{"token": tok},
	}
	s.dispatch(context.Background(), sess, joinFrame)

	leaveFrame := phxframe.Frame{JoinRef: &jr, Ref: "r2", Topic: "system", Event: phxframe.EventPhxLeave, Payload: map[string]interface{}{}}
	sub := sess.egress.Subscribe()
	s.dispatch(context.Background(), sess, leaveFrame)

	var reply phxframe.Frame
	for {
		f, _, err := sub.Recv(context.Background())
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if f.Event == phxframe.EventPhxReply {
			reply = f
			break
		}
	}
	rp := reply.Payload.(phxframe.ReplyPayload)
	if rp.Status != phxframe.StatusOK {
		t.Fatalf("got status=%q, want ok", rp.Status)
	}

	if got := s.reg.TopicSubscriberCount("system"); got != 0 {
		t.Fatalf("got subscriber count %d, want 0 after leave", got)
	}
}

func TestHandleHeartbeatReplies(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s, "conn1")

	f := phxframe.Frame{Ref: "h1", Topic: "phoenix", Event: phxframe.EventHeartbeat, Payload: map[string]interface{}{}}
	reply := recvFrameAfter(t, sess, func() { s.dispatch(context.Background(), sess, f) })

	rp := reply.Payload.(phxframe.ReplyPayload)
	if rp.Status != phxframe.StatusOK {
		t.Fatalf("got status=%q, want ok", rp.Status)
	}
}

func recvFrameAfter(t *testing.T, sess *connSession, action func()) phxframe.Frame {
	t.Helper()
	sub := sess.egress.Subscribe()
	defer sub.Close()
	action()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, _, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return f
}

func TestHandleJoinWithoutJoinRefIsIgnoredSilently(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s, "conn1")

	f := phxframe.Frame{Ref: "r1", Topic: "system", Event: phxframe.EventPhxJoin, Payload: map[string]interface{}{}}
	s.dispatch(context.Background(), sess, f)

	if got := s.reg.TopicSubscriberCount("system"); got != 0 {
		t.Fatalf("join without join_ref must not register an agent, got count %d", got)
	}
}
