package redisbridge

import (
	"fmt"
	"strings"

	"github.com/phoenixgw/gateway/internal/gwerr"
)

// ParseChannel splits a full Redis channel name of the form
// "<prefix>:<topic>:<event>" into topic and event. The split is on the
// last colon of the content after the prefix, since topic names may
// themselves contain colons (e.g. "weather:wind").
func ParseChannel(prefix, channel string) (topic, event string, err error) {
	rest := strings.TrimPrefix(channel, prefix+":")
	if rest == channel {
		return "", "", fmt.Errorf("%w: channel %q missing prefix %q", gwerr.ErrBadFrame, channel, prefix)
	}
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("%w: channel %q has no topic/event separator", gwerr.ErrBadFrame, channel)
	}
	topic, event = rest[:idx], rest[idx+1:]
	if topic == "" || event == "" {
		return "", "", fmt.Errorf("%w: channel %q has empty topic or event", gwerr.ErrBadFrame, channel)
	}
	return topic, event, nil
}

func inboundPattern(topic string) string {
	return "to:" + topic + ":*"
}

func fromChannel(topic, event string) string {
	return "from:" + topic + ":" + event
}

func presenceDiffChannel(topic string) string {
	return "to:" + topic + ":presence_diff"
}

func adminChannel(category, action string) string {
	return "to:admin:" + category + "." + action
}
