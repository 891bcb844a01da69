// Package registry implements the process-wide connection/channel/agent
// runtime: the concurrent maps of connections, agents, and topics, plus
// the relay tasks and Redis ingress listeners it spawns and cancels as
// agents join and leave. A single Registry is created at startup and
// shared by handle with every connection and protocol-handler goroutine.
//
// Each of the four maps (topics, agents, agent_tx, conn_tx) has its own
// mutex; a single registry-wide lock would make join and leave contend on
// unrelated topics.
package registry

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/phoenixgw/gateway/internal/bus"
	"github.com/phoenixgw/gateway/internal/gwerr"
	"github.com/phoenixgw/gateway/internal/phxframe"
	"github.com/phoenixgw/gateway/internal/presence"
	"github.com/phoenixgw/gateway/internal/redisbridge"
)

// SpecialTopics is the hard-coded reserved-topic set. Membership is a
// three-way equality; the set is deliberately not configurable here.
var SpecialTopics = [3]string{"phoenix", "admin", "system"}

// IsSpecial reports whether topic is one of the three reserved names.
func IsSpecial(topic string) bool {
	return topic == SpecialTopics[0] || topic == SpecialTopics[1] || topic == SpecialTopics[2]
}

type topicRecord struct {
	name           string
	special        bool
	busHandle      *bus.Bus
	agentIDs       map[string]struct{}
	listenerCancel context.CancelFunc
	// listenerToken identifies which spawn of the ingress listener owns
	// listenerCancel, since context.CancelFunc values are not comparable.
	// A listener goroutine that exits only clears the handle if it still
	// holds the current token, so it never clobbers a listener relaunched
	// after it.
	listenerToken *struct{}
}

type agentRecord struct {
	id          string
	connID      string
	topic       string
	joinRef     string
	externalID  string
	relayCancel context.CancelFunc
}

type connRecord struct {
	egress   *bus.Bus
	agentIDs map[string]struct{}
}

// Registry is the single process-wide state container for the
// connection/channel/agent runtime. Create one with New and share it by
// pointer with every connection and protocol handler.
type Registry struct {
	busCapacity int
	redis       *redis.Client
	publisher   *redisbridge.Publisher

	topicsMu sync.Mutex
	topics   map[string]*topicRecord

	agentsMu sync.Mutex
	agents   map[string]*agentRecord

	agentTxMu sync.Mutex
	agentTx   map[string]*bus.Bus

	connTxMu sync.Mutex
	connTx   map[string]*connRecord
}

// New creates a registry and pre-creates the three special topics, which
// are never garbage-collected.
func New(redisClient *redis.Client, publisher *redisbridge.Publisher, busCapacity int) *Registry {
	r := &Registry{
		busCapacity: busCapacity,
		redis:       redisClient,
		publisher:   publisher,
		topics:      make(map[string]*topicRecord),
		agents:      make(map[string]*agentRecord),
		agentTx:     make(map[string]*bus.Bus),
		connTx:      make(map[string]*connRecord),
	}
	for _, name := range SpecialTopics {
		r.topics[name] = &topicRecord{
			name:      name,
			special:   true,
			busHandle: bus.New(busCapacity),
			agentIDs:  make(map[string]struct{}),
		}
	}
	return r
}

// AddConn creates the connection's egress bus if absent and returns it.
// Idempotent.
func (r *Registry) AddConn(connID string) *bus.Bus {
	r.connTxMu.Lock()
	defer r.connTxMu.Unlock()
	rec, ok := r.connTx[connID]
	if !ok {
		rec = &connRecord{egress: bus.New(r.busCapacity), agentIDs: make(map[string]struct{})}
		r.connTx[connID] = rec
	}
	return rec.egress
}

// AddAgent creates the agent's intermediate broadcast if absent and returns
// it. Idempotent.
func (r *Registry) AddAgent(agentID string) *bus.Bus {
	r.agentTxMu.Lock()
	defer r.agentTxMu.Unlock()
	b, ok := r.agentTx[agentID]
	if !ok {
		b = bus.New(r.busCapacity)
		r.agentTx[agentID] = b
	}
	return b
}

// EnsureTopic creates the topic's bus lazily if absent, emitting the
// channel.add admin meta event when this call is what created it. created
// reports that same fact to the caller (the protocol handler logs it on
// phx_join); launching the ingress listener is EnsureIngressListener's job.
func (r *Registry) EnsureTopic(topic string) (b *bus.Bus, created bool) {
	r.topicsMu.Lock()
	rec, ok := r.topics[topic]
	if ok {
		r.topicsMu.Unlock()
		return rec.busHandle, false
	}
	rec = &topicRecord{
		name:      topic,
		special:   IsSpecial(topic),
		busHandle: bus.New(r.busCapacity),
		agentIDs:  make(map[string]struct{}),
	}
	r.topics[topic] = rec
	r.topicsMu.Unlock()

	if r.publisher != nil {
		r.publisher.PublishAdminMeta(context.Background(), "channel", "add", map[string]string{"channel": topic})
	}
	return rec.busHandle, true
}

// EnsureIngressListener launches the Redis ingress listener for topic if one
// is not already running. No-op if the topic does not exist or the registry
// was built without a Redis client (e.g. under test).
func (r *Registry) EnsureIngressListener(topic string) {
	if r.redis == nil {
		return
	}
	r.topicsMu.Lock()
	rec, ok := r.topics[topic]
	if !ok || rec.listenerCancel != nil {
		r.topicsMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	token := &struct{}{}
	rec.listenerCancel = cancel
	rec.listenerToken = token
	target := rec.busHandle
	r.topicsMu.Unlock()

	go func() {
		redisbridge.RunListener(ctx, r.redis, topic, target)
		r.clearListenerHandle(topic, token)
	}()

	if r.publisher != nil {
		r.publisher.PublishAdminMeta(context.Background(), "channel", "add-redis-listener", map[string]string{"channel": topic})
	}
}

// clearListenerHandle clears a topic's listener handle once its goroutine
// exits, but only if token still identifies the listener that exited; a
// later relaunch (new token) must not be clobbered by a stale exit.
func (r *Registry) clearListenerHandle(topic string, token *struct{}) {
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()
	rec, ok := r.topics[topic]
	if !ok || rec.listenerToken != token {
		return
	}
	rec.listenerCancel = nil
	rec.listenerToken = nil
}

// Join subscribes agentID's relay to topic's bus and inserts the agent
// record. Requires AddAgent(agentID), AddConn(connID), and the topic to
// already exist. On a duplicate agent_id, the prior relay is warned about
// but left running (orphaned) until a subsequent leave or conn_cleanup
// removes it.
func (r *Registry) Join(topic, connID, joinRef, externalID string) (string, error) {
	agentID := connID + ":" + topic + ":" + joinRef

	r.topicsMu.Lock()
	trec, ok := r.topics[topic]
	r.topicsMu.Unlock()
	if !ok {
		return "", gwerr.ErrChannelNotFound
	}
	topicBus := trec.busHandle

	r.agentTxMu.Lock()
	agentBus, ok := r.agentTx[agentID]
	r.agentTxMu.Unlock()
	if !ok {
		return "", gwerr.ErrAgentNotInitiated
	}

	r.connTxMu.Lock()
	crec, ok := r.connTx[connID]
	r.connTxMu.Unlock()
	if !ok {
		return "", gwerr.ErrAgentNotInitiated
	}
	connEgress := crec.egress

	ctx, cancel := context.WithCancel(context.Background())

	r.agentsMu.Lock()
	if prev, dup := r.agents[agentID]; dup {
		log.Printf("registry: duplicate join for agent %q; keeping the new relay, orphaning the previous one", agentID)
		// Chain the orphaned relay's cancel into the new record so the next
		// leave or conn_cleanup stops both relays.
		prevCancel, newCancel := prev.relayCancel, cancel
		cancel = func() { prevCancel(); newCancel() }
	}
	r.agents[agentID] = &agentRecord{
		id:          agentID,
		connID:      connID,
		topic:       topic,
		joinRef:     joinRef,
		externalID:  externalID,
		relayCancel: cancel,
	}
	r.agentsMu.Unlock()

	r.topicsMu.Lock()
	if t, ok := r.topics[topic]; ok {
		t.agentIDs[agentID] = struct{}{}
	}
	r.topicsMu.Unlock()

	r.connTxMu.Lock()
	if c, ok := r.connTx[connID]; ok {
		c.agentIDs[agentID] = struct{}{}
	}
	r.connTxMu.Unlock()

	// Subscribe both relay cursors before the goroutine starts so that a
	// broadcast issued as soon as Join returns cannot slip past them.
	topicSub := topicBus.Subscribe()
	agentSub := agentBus.Subscribe()
	go runRelay(ctx, agentID, joinRef, topicSub, agentSub, agentBus, connEgress)

	if r.publisher != nil {
		bg := context.Background()
		r.publisher.PublishAdminMeta(bg, "channel", "join", map[string]string{"channel": topic, "agent_id": agentID})
		r.publisher.PublishPresenceDiff(bg, topic, presence.SingleJoinDiff(agentID, externalID))
	}

	return agentID, nil
}

// Leave removes the agent record, aborts its relay task, and GCs the topic
// if it is now empty and non-special.
func (r *Registry) Leave(topic, agentID string) error {
	r.agentsMu.Lock()
	arec, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.agentsMu.Unlock()
	if !ok {
		return gwerr.ErrAgentNotInitiated
	}
	arec.relayCancel()

	r.topicsMu.Lock()
	if t, ok := r.topics[topic]; ok {
		delete(t.agentIDs, agentID)
	}
	r.topicsMu.Unlock()

	r.connTxMu.Lock()
	if c, ok := r.connTx[arec.connID]; ok {
		delete(c.agentIDs, agentID)
	}
	r.connTxMu.Unlock()

	r.agentTxMu.Lock()
	delete(r.agentTx, agentID)
	r.agentTxMu.Unlock()

	if r.publisher != nil {
		bg := context.Background()
		r.publisher.PublishAdminMeta(bg, "channel", "leave", map[string]string{"channel": topic, "agent_id": agentID})
		r.publisher.PublishPresenceDiff(bg, topic, presence.SingleLeaveDiff(agentID, arec.externalID))
	}

	r.gcTopicIfEmpty(topic)
	return nil
}

// ConnCleanup removes every agent belonging to connID, aborts their relay
// tasks, removes the connection's egress entry, emits one batched
// presence_diff per affected topic, and GCs any topic left empty.
func (r *Registry) ConnCleanup(connID string) {
	r.connTxMu.Lock()
	crec, ok := r.connTx[connID]
	if ok {
		delete(r.connTx, connID)
	}
	r.connTxMu.Unlock()
	if !ok {
		return
	}

	agentIDs := make([]string, 0, len(crec.agentIDs))
	for id := range crec.agentIDs {
		agentIDs = append(agentIDs, id)
	}

	byTopic := make(map[string][]presence.Member)
	for _, agentID := range agentIDs {
		r.agentsMu.Lock()
		arec, ok := r.agents[agentID]
		if ok {
			delete(r.agents, agentID)
		}
		r.agentsMu.Unlock()
		if !ok {
			continue
		}
		arec.relayCancel()

		r.agentTxMu.Lock()
		delete(r.agentTx, agentID)
		r.agentTxMu.Unlock()

		r.topicsMu.Lock()
		if t, ok := r.topics[arec.topic]; ok {
			delete(t.agentIDs, agentID)
		}
		r.topicsMu.Unlock()

		byTopic[arec.topic] = append(byTopic[arec.topic], presence.Member{AgentID: agentID, ExternalID: arec.externalID})
	}

	if r.publisher != nil {
		bg := context.Background()
		for topic, members := range byTopic {
			r.publisher.PublishPresenceDiff(bg, topic, presence.BatchLeaveDiff(members))
		}
	}

	for topic := range byTopic {
		r.gcTopicIfEmpty(topic)
	}
}

// gcTopicIfEmpty re-verifies emptiness under the topic lock (to avoid racing
// a concurrent join) before removing a non-special topic.
func (r *Registry) gcTopicIfEmpty(topic string) {
	r.topicsMu.Lock()
	trec, ok := r.topics[topic]
	if !ok || trec.special || len(trec.agentIDs) > 0 {
		r.topicsMu.Unlock()
		return
	}
	delete(r.topics, topic)
	listenerCancel := trec.listenerCancel
	r.topicsMu.Unlock()

	if listenerCancel != nil {
		listenerCancel()
	}
	if r.publisher != nil {
		r.publisher.PublishAdminMeta(context.Background(), "channel", "remove", map[string]string{"channel": topic})
	}
}

// RemoveTopic forcibly removes a topic (for admin-driven forced removal;
// empty-topic GC goes through gcTopicIfEmpty instead): aborts every agent relay on the topic,
// aborts the ingress listener, and deletes the topic entry regardless of
// whether it is currently empty.
func (r *Registry) RemoveTopic(topic string) error {
	r.topicsMu.Lock()
	trec, ok := r.topics[topic]
	if !ok {
		r.topicsMu.Unlock()
		return gwerr.ErrChannelNotFound
	}
	delete(r.topics, topic)
	listenerCancel := trec.listenerCancel
	agentIDs := make([]string, 0, len(trec.agentIDs))
	for id := range trec.agentIDs {
		agentIDs = append(agentIDs, id)
	}
	r.topicsMu.Unlock()

	if listenerCancel != nil {
		listenerCancel()
	}

	for _, agentID := range agentIDs {
		r.agentsMu.Lock()
		arec, ok := r.agents[agentID]
		if ok {
			delete(r.agents, agentID)
		}
		r.agentsMu.Unlock()
		if !ok {
			continue
		}
		arec.relayCancel()

		r.agentTxMu.Lock()
		delete(r.agentTx, agentID)
		r.agentTxMu.Unlock()

		r.connTxMu.Lock()
		if c, ok := r.connTx[arec.connID]; ok {
			delete(c.agentIDs, agentID)
		}
		r.connTxMu.Unlock()
	}

	if r.publisher != nil {
		r.publisher.PublishAdminMeta(context.Background(), "channel", "remove", map[string]string{"channel": topic})
	}
	return nil
}

// Broadcast sends message to topic's bus. It fails with ErrChannelNotFound
// if the topic is missing and ErrChannelEmpty if it currently has zero
// subscribers; otherwise it returns the subscriber count observed at send
// time. The count comes from the agent set, which Join/Leave mutate
// synchronously; the relay cursors on the bus itself may still be
// unwinding and are not the source of truth.
func (r *Registry) Broadcast(topic string, message phxframe.Frame) (int, error) {
	r.topicsMu.Lock()
	trec, ok := r.topics[topic]
	var count int
	if ok {
		count = len(trec.agentIDs)
	}
	r.topicsMu.Unlock()
	if !ok {
		return 0, gwerr.ErrChannelNotFound
	}
	if count == 0 {
		return 0, gwerr.ErrChannelEmpty
	}
	if err := trec.busHandle.Send(message); err != nil && !errors.Is(err, gwerr.ErrChannelEmpty) {
		return 0, err
	}
	return count, nil
}

// PresenceState computes the current presence_state snapshot for topic.
func (r *Registry) PresenceState(topic string) presence.State {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	var members []presence.Member
	for _, a := range r.agents {
		if a.topic == topic {
			members = append(members, presence.Member{AgentID: a.id, ExternalID: a.externalID})
		}
	}
	return presence.BuildState(members)
}

// ListTopics returns every currently-registered topic name, special or not.
func (r *Registry) ListTopics() []string {
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	return names
}

// TopicSubscriberCount reports a topic's live agent count, or -1 if the
// topic does not exist. Exposed for invariant-checking tests.
func (r *Registry) TopicSubscriberCount(topic string) int {
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()
	trec, ok := r.topics[topic]
	if !ok {
		return -1
	}
	return len(trec.agentIDs)
}
