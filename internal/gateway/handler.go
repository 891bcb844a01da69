package gateway

import (
	"context"
	"log"

	"github.com/phoenixgw/gateway/internal/gwerr"
	"github.com/phoenixgw/gateway/internal/phxframe"
	"github.com/phoenixgw/gateway/internal/registry"
)

// dispatch is the protocol state machine, invoked once per decoded inbound
// frame. It never tears down the connection itself: a phx_join whose token
// is missing or invalid is logged and answered with an error reply; every
// other malformed frame (including a phx_join or phx_leave without a
// join_ref) is logged and simply gets no reply at all.
func (s *Server) dispatch(ctx context.Context, sess *connSession, f phxframe.Frame) {
	switch {
	case f.Topic == "phoenix" && f.Event == phxframe.EventHeartbeat:
		s.handleHeartbeat(ctx, sess, f)
	case f.Event == phxframe.EventPhxJoin:
		s.handleJoin(ctx, sess, f)
	case f.Event == phxframe.EventPhxLeave:
		s.handleLeave(ctx, sess, f)
	default:
		if s.publisher != nil {
			s.publisher.PublishFromEvent(ctx, f.Topic, f.Event, f.Payload)
		}
	}
}

func (s *Server) handleHeartbeat(ctx context.Context, sess *connSession, f phxframe.Frame) {
	sess.send(phxframe.Reply(f.JoinRef, f.Ref, f.Topic, phxframe.StatusOK, map[string]interface{}{}))
	if s.publisher != nil {
		s.publisher.PublishHeartbeat(ctx, sess.id)
	}
}

func (s *Server) handleJoin(ctx context.Context, sess *connSession, f phxframe.Frame) {
	if f.JoinRef == nil {
		log.Printf("gateway: conn %s: %v: phx_join without a join_ref", sess.id, gwerr.ErrBadFrame)
		return
	}
	joinRef := *f.JoinRef
	topic := f.Topic

	tokenStr, ok := phxframe.ExtractToken(f.Payload)
	if !ok {
		tokenStr = sess.queryToken
	}
	if tokenStr == "" {
		s.replyJoinError(sess, f, "missing token")
		return
	}

	externalID, _, err := s.verifier.Verify(tokenStr)
	if err != nil {
		log.Printf("gateway: conn %s: %v", sess.id, err)
		s.replyJoinError(sess, f, "invalid token")
		return
	}

	if !registry.IsSpecial(topic) {
		_, created := s.reg.EnsureTopic(topic)
		if created {
			log.Printf("gateway: topic %q created by conn %s join", topic, sess.id)
		}
		s.reg.EnsureIngressListener(topic)
	}

	agentID := sess.id + ":" + topic + ":" + joinRef
	s.reg.AddAgent(agentID)

	if _, err := s.reg.Join(topic, sess.id, joinRef, externalID); err != nil {
		log.Printf("gateway: conn %s: join %q: %v", sess.id, topic, err)
		s.replyJoinError(sess, f, "join failed")
		return
	}

	sess.send(phxframe.Reply(f.JoinRef, f.Ref, topic, phxframe.StatusOK, map[string]interface{}{"id": agentID}))

	if topic == "admin" && s.publisher != nil {
		for _, t := range s.reg.ListTopics() {
			s.publisher.PublishAdminMeta(ctx, "channel", "list", map[string]string{"channel": t})
		}
	}

	sess.send(phxframe.Frame{
		JoinRef: f.JoinRef,
		Ref:     f.Ref,
		Topic:   topic,
		Event:   phxframe.EventPresenceState,
		Payload: s.reg.PresenceState(topic),
	})
}

func (s *Server) handleLeave(ctx context.Context, sess *connSession, f phxframe.Frame) {
	if f.JoinRef == nil {
		log.Printf("gateway: conn %s: %v: phx_leave without a join_ref", sess.id, gwerr.ErrBadFrame)
		return
	}
	agentID := sess.id + ":" + f.Topic + ":" + *f.JoinRef

	if err := s.reg.Leave(f.Topic, agentID); err != nil {
		log.Printf("gateway: conn %s: leave %q: %v", sess.id, f.Topic, err)
		return
	}

	sess.send(phxframe.Reply(f.JoinRef, f.Ref, f.Topic, phxframe.StatusOK, map[string]interface{}{}))
}

func (s *Server) replyJoinError(sess *connSession, f phxframe.Frame, reason string) {
	sess.send(phxframe.Reply(f.JoinRef, f.Ref, f.Topic, phxframe.StatusError, map[string]interface{}{"reason": reason}))
}

// send routes a reply via the connection's own egress bus rather than any
// topic bus, so replies arrive in order on the originating WebSocket only.
func (sess *connSession) send(f phxframe.Frame) {
	if err := sess.egress.Send(f); err != nil {
		log.Printf("gateway: conn %s: egress send: %v", sess.id, err)
	}
}
