// Package rooms holds the room identity scheme shared by the router, the
// trackers and the fan-out path. A room id is "<kind>:<id>"; its bus topic
// is the dotted form under the "room." prefix.
package rooms

import "strings"

// Room kinds.
const (
	KindChannel   = "channel"
	KindDM        = "dm"
	KindUser      = "user"
	KindCommunity = "community"
	KindVoice     = "voice"
	KindSystem    = "system"
)

var validKinds = map[string]struct{}{
	KindChannel:   {},
	KindDM:        {},
	KindUser:      {},
	KindCommunity: {},
	KindVoice:     {},
	KindSystem:    {},
}

// Valid reports whether a room id is well-formed: a known kind, a colon and
// a non-empty id with no topic metacharacters.
func Valid(roomID string) bool {
	kind, id, ok := strings.Cut(roomID, ":")
	if !ok || id == "" {
		return false
	}
	if _, known := validKinds[kind]; !known {
		return false
	}
	return !strings.ContainsAny(id, ".>*: ")
}

// Channel returns the room id for a channel.
func Channel(channelID string) string { return KindChannel + ":" + channelID }

// User returns the per-user room id, the target for DMs and friend
// presence. Every session implicitly joins its own.
func User(userID string) string { return KindUser + ":" + userID }

// Voice returns the room id of a voice channel.
func Voice(channelID string) string { return KindVoice + ":" + channelID }

// Dotted converts a room id to its dotted topic segment.
func Dotted(roomID string) string { return strings.ReplaceAll(roomID, ":", ".") }

// Topic returns the bus topic carrying a room's events.
func Topic(roomID string) string { return "room." + Dotted(roomID) }

// FromTopic recovers the room id from a room topic; ok is false for topics
// outside the room namespace.
func FromTopic(topic string) (string, bool) {
	rest, found := strings.CutPrefix(topic, "room.")
	if !found {
		return "", false
	}
	kind, id, ok := strings.Cut(rest, ".")
	if !ok || id == "" {
		return "", false
	}
	if _, known := validKinds[kind]; !known {
		return "", false
	}
	return kind + ":" + id, true
}
