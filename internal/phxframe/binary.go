package phxframe

import (
	"fmt"
	"unicode/utf8"

	"github.com/phoenixgw/gateway/internal/gwerr"
)

// Opcodes for the binary server<->client wire format. Only OpcodePush is
// ever accepted from a client; OpcodeReply and OpcodeBroadcast are
// server->client only.
const (
	OpcodePush      byte = 0x00
	OpcodeReply     byte = 0x01
	OpcodeBroadcast byte = 0x02
)

// DecodeBinaryPush parses a client-sent binary push frame: opcode 0x00, four
// length octets (join_ref, ref, topic, event), the four strings
// concatenated in that order, then the opaque payload. join_ref_len == 0 is
// treated as "no join_ref" (returns an empty string).
func DecodeBinaryPush(data []byte) (joinRef, ref, topic, event string, payload []byte, err error) {
	if len(data) < 5 {
		return "", "", "", "", nil, fmt.Errorf("%w: binary frame shorter than 5 bytes", gwerr.ErrBadFrame)
	}
	if data[0] != OpcodePush {
		return "", "", "", "", nil, fmt.Errorf("%w: unexpected client opcode %#x", gwerr.ErrBadFrame, data[0])
	}

	joinRefLen, refLen, topicLen, eventLen := int(data[1]), int(data[2]), int(data[3]), int(data[4])
	headerLen := joinRefLen + refLen + topicLen + eventLen
	if 5+headerLen > len(data) {
		return "", "", "", "", nil, fmt.Errorf("%w: header lengths overflow frame", gwerr.ErrBadFrame)
	}

	offset := 5
	jrBytes := data[offset : offset+joinRefLen]
	offset += joinRefLen
	refBytes := data[offset : offset+refLen]
	offset += refLen
	topicBytes := data[offset : offset+topicLen]
	offset += topicLen
	eventBytes := data[offset : offset+eventLen]
	offset += eventLen

	for _, b := range [][]byte{jrBytes, refBytes, topicBytes, eventBytes} {
		if !utf8.Valid(b) {
			return "", "", "", "", nil, fmt.Errorf("%w: non-utf8 header string", gwerr.ErrBadFrame)
		}
	}

	return string(jrBytes), string(refBytes), string(topicBytes), string(eventBytes), data[offset:], nil
}

// EncodeBinaryPush builds a server->client push frame (opcode 0x00).
func EncodeBinaryPush(joinRef, topic, event string, payload []byte) ([]byte, error) {
	return encodeBinaryFrame(OpcodePush, []string{joinRef, topic, event}, payload)
}

// EncodeBinaryReply builds a server->client reply frame (opcode 0x01).
func EncodeBinaryReply(joinRef, ref, topic, status string, payload []byte) ([]byte, error) {
	return encodeBinaryFrame(OpcodeReply, []string{joinRef, ref, topic, status}, payload)
}

// EncodeBinaryBroadcast builds a server->client broadcast frame (opcode 0x02).
func EncodeBinaryBroadcast(topic, event string, payload []byte) ([]byte, error) {
	return encodeBinaryFrame(OpcodeBroadcast, []string{topic, event}, payload)
}

func encodeBinaryFrame(opcode byte, fields []string, payload []byte) ([]byte, error) {
	out := make([]byte, 0, 1+len(fields)+sumLen(fields)+len(payload))
	out = append(out, opcode)
	for _, f := range fields {
		if len(f) > 255 {
			return nil, fmt.Errorf("%w: header string exceeds 255 bytes", gwerr.ErrBadFrame)
		}
		out = append(out, byte(len(f)))
	}
	for _, f := range fields {
		out = append(out, []byte(f)...)
	}
	out = append(out, payload...)
	return out, nil
}

func sumLen(fields []string) int {
	n := 0
	for _, f := range fields {
		n += len(f)
	}
	return n
}
