// Package phxframe encodes and decodes Phoenix v2 JSON array frames and
// v2 binary push/reply/broadcast frames. The payload is treated as a
// tagged variant (structured reply vs. raw JSON vs. opaque binary) so the
// egress writer can branch early rather than unify text and binary through
// one serializer.
package phxframe

import (
	"encoding/json"
	"fmt"

	"github.com/phoenixgw/gateway/internal/gwerr"
)

const (
	EventPhxJoin       = "phx_join"
	EventPhxLeave      = "phx_leave"
	EventHeartbeat     = "heartbeat"
	EventPhxReply      = "phx_reply"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"

	StatusOK    = "ok"
	StatusError = "error"
)

// Frame is the decoded [join_ref, ref, topic, event, payload] tuple, used
// uniformly for both inbound requests and outbound text/binary messages.
//
// Binary carries the opaque payload for a frame that must be serialized
// as a binary broadcast frame rather than a JSON array; the egress
// writer branches on it. Nil means "JSON payload" and Payload is used
// instead.
type Frame struct {
	JoinRef *string
	Ref     string
	Topic   string
	Event   string
	Payload interface{}
	Binary  []byte
}

// MarshalJSON renders the frame as its five-element wire tuple.
func (f Frame) MarshalJSON() ([]byte, error) {
	tuple := [5]interface{}{f.JoinRef, f.Ref, f.Topic, f.Event, f.Payload}
	return json.Marshal(tuple)
}

// ReplyPayload is the {status, response} shape every phx_reply carries.
type ReplyPayload struct {
	Status   string      `json:"status"`
	Response interface{} `json:"response"`
}

// Reply builds a phx_reply frame addressed to the same join_ref/ref/topic
// as the request it answers.
func Reply(joinRef *string, ref, topic, status string, response interface{}) Frame {
	if response == nil {
		response = map[string]interface{}{}
	}
	return Frame{
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   topic,
		Event:   EventPhxReply,
		Payload: ReplyPayload{Status: status, Response: response},
	}
}

// DecodeText parses a text-frame payload into a Frame. The tuple must have
// exactly five elements; join_ref may be JSON null, everything else must be
// a well-typed string (topic/event non-empty); the payload is any JSON
// value and is not otherwise constrained.
func DecodeText(data []byte) (Frame, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return Frame{}, fmt.Errorf("%w: not a json array: %v", gwerr.ErrBadFrame, err)
	}
	if len(tuple) != 5 {
		return Frame{}, fmt.Errorf("%w: expected 5 elements, got %d", gwerr.ErrBadFrame, len(tuple))
	}

	joinRef, err := decodeNullableString(tuple[0])
	if err != nil {
		return Frame{}, err
	}
	ref, err := decodeString(tuple[1])
	if err != nil {
		return Frame{}, err
	}
	topic, err := decodeNonEmptyString(tuple[2])
	if err != nil {
		return Frame{}, err
	}
	event, err := decodeNonEmptyString(tuple[3])
	if err != nil {
		return Frame{}, err
	}

	var payload interface{}
	if err := json.Unmarshal(tuple[4], &payload); err != nil {
		return Frame{}, fmt.Errorf("%w: invalid payload: %v", gwerr.ErrBadFrame, err)
	}

	return Frame{JoinRef: joinRef, Ref: ref, Topic: topic, Event: event, Payload: payload}, nil
}

// ExtractToken pulls {"token": "..."} out of a join frame's payload, if
// present and well-typed.
func ExtractToken(payload interface{}) (string, bool) {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return "", false
	}
	tok, ok := obj["token"].(string)
	if !ok || tok == "" {
		return "", false
	}
	return tok, true
}

func decodeNullableString(raw json.RawMessage) (*string, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	s, err := decodeString(raw)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: expected string: %v", gwerr.ErrBadFrame, err)
	}
	return s, nil
}

func decodeNonEmptyString(raw json.RawMessage) (string, error) {
	s, err := decodeString(raw)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: expected non-empty string", gwerr.ErrBadFrame)
	}
	return s, nil
}
