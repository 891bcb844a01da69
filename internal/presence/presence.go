// Package presence computes presence_state snapshots and presence_diff
// deltas from the registry's live agent set, grouped by external identity.
// Nothing here is stored; every call recomputes from the members handed to
// it.
package presence

import "sort"

// Member is one agent's (agent_id, external_id) pair on a topic, as reported
// by the registry's agent map.
type Member struct {
	AgentID    string
	ExternalID string
}

// Meta is the opaque per-subscription handle surfaced to presence
// consumers.
type Meta struct {
	PhxRef string `json:"phx_ref"`
}

// Entry groups every distinct agent ID a given external identity currently
// holds on a topic.
type Entry struct {
	Metas []Meta `json:"metas"`
}

// State is a presence_state snapshot: external_id -> Entry.
type State map[string]Entry

// Diff is a presence_diff payload; exactly one of Joins/Leaves is non-empty
// for any single join or leave operation, but both are always present (as
// empty objects) so the JSON shape is stable.
type Diff struct {
	Joins  State `json:"joins"`
	Leaves State `json:"leaves"`
}

// BuildState groups members by external ID. Members are sorted by
// (external_id, agent_id) before grouping so that two calls over the same
// member set always marshal to byte-identical JSON, satisfying the
// round-trip law that presence_state is idempotent.
func BuildState(members []Member) State {
	sorted := make([]Member, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ExternalID != sorted[j].ExternalID {
			return sorted[i].ExternalID < sorted[j].ExternalID
		}
		return sorted[i].AgentID < sorted[j].AgentID
	})

	st := State{}
	for _, m := range sorted {
		e := st[m.ExternalID]
		e.Metas = append(e.Metas, Meta{PhxRef: m.AgentID})
		st[m.ExternalID] = e
	}
	return st
}

// SingleJoinDiff is the presence_diff published when exactly one agent
// joins.
func SingleJoinDiff(agentID, externalID string) Diff {
	return Diff{
		Joins:  State{externalID: Entry{Metas: []Meta{{PhxRef: agentID}}}},
		Leaves: State{},
	}
}

// SingleLeaveDiff is the presence_diff published when exactly one agent
// leaves.
func SingleLeaveDiff(agentID, externalID string) Diff {
	return Diff{
		Joins:  State{},
		Leaves: State{externalID: Entry{Metas: []Meta{{PhxRef: agentID}}}},
	}
}

// BatchLeaveDiff aggregates every member leaving a topic at once, used by
// conn_cleanup, which removes every agent of a connection from a topic in
// one step and must emit exactly one diff per affected topic.
func BatchLeaveDiff(members []Member) Diff {
	leaves := BuildState(members)
	return Diff{Joins: State{}, Leaves: leaves}
}
