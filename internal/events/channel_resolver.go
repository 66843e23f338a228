package events

import (
	"strings"

	"github.com/google/uuid"
)

const (
	UserChannelPrefix = "channel:user:"
	// UserChannelPattern matches every per-user channel for PSUBSCRIBE.
	UserChannelPattern = UserChannelPrefix + "*"
)

// UserChannel is the channel carrying every event addressed to userID.
func UserChannel(userID uuid.UUID) string {
	return UserChannelPrefix + userID.String()
}

// ParseUserChannel extracts the user id from a per-user channel name.
func ParseUserChannel(channel string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(channel, UserChannelPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
