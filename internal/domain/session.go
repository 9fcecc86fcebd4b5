package domain

import (
	"fmt"
	"strings"
)

// Supported conversation channels.
const (
	ChannelTelegram = "telegram"
	ChannelWhatsApp = "whatsapp"
	ChannelWebChat  = "webchat"
)

// SessionID builds the composite session key for a channel user. The same
// user on two channels gets two independent sessions.
func SessionID(channel, channelUserID string) string {
	return fmt.Sprintf("%s:%s", channel, channelUserID)
}

// ParseSessionID splits a composite session key back into channel and user id.
func ParseSessionID(id string) (channel, channelUserID string, err error) {
	channel, channelUserID, ok := strings.Cut(id, ":")
	if !ok || channel == "" || channelUserID == "" {
		return "", "", fmt.Errorf("malformed session id %q", id)
	}
	return channel, channelUserID, nil
}
