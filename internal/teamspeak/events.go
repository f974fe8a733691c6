// Package teamspeak provides TeamSpeak ServerQuery client functionality.
package teamspeak

import (
	"strconv"
	"strings"
	"time"

	"github.com/samcm/ts-companion/internal/domain"
)

// EventType identifies a transport event.
type EventType int

const (
	// EventJoin is a client entering the server.
	EventJoin EventType = iota + 1
	// EventLeave is a client leaving the server.
	EventLeave
	// EventMove is a client switching channels.
	EventMove
	// EventMessage is a private text message to the bot.
	EventMessage
	// EventConnected follows every (re)connect and carries the online sessions.
	EventConnected
	// EventDisconnected is emitted when the query connection is lost.
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	case EventMove:
		return "move"
	case EventMessage:
		return "message"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is something that happened on the server.
type Event struct {
	Type EventType

	// Session is set for EventJoin.
	Session domain.Session
	// Sessions is set for EventConnected.
	Sessions []domain.Session

	ClientID  int
	ChannelID int

	InvokerID   int
	InvokerUID  string
	InvokerName string
	Message     string
}

// parseEvent converts a raw ServerQuery notification into an Event. self is
// the query client's own id; text messages are only accepted when they are
// addressed to it and not sent by it.
func parseEvent(kind string, data map[string]string, self int) (Event, bool) {
	kind = strings.TrimPrefix(kind, "notify")

	switch kind {
	case "cliententerview":
		if data["client_type"] == "1" {
			return Event{}, false
		}

		sess := domain.Session{
			ClientID:     atoi(data["clid"]),
			UID:          data["client_unique_identifier"],
			DatabaseID:   atoi(data["client_database_id"]),
			Nickname:     data["client_nickname"],
			ChannelID:    atoi(data["ctid"]),
			ServerGroups: ParseGroups(data["client_servergroups"]),
			Platform:     data["client_platform"],
			Version:      data["client_version"],
			JoinedAt:     time.Now(),
		}

		return Event{Type: EventJoin, Session: sess, ClientID: sess.ClientID, ChannelID: sess.ChannelID}, sess.UID != ""

	case "clientleftview":
		return Event{Type: EventLeave, ClientID: atoi(data["clid"])}, data["clid"] != ""

	case "clientmoved":
		return Event{Type: EventMove, ClientID: atoi(data["clid"]), ChannelID: atoi(data["ctid"])}, data["clid"] != ""

	case "textmessage":
		if data["targetmode"] != "1" {
			return Event{}, false
		}

		if self == 0 || atoi(data["target"]) != self || atoi(data["invokerid"]) == self {
			return Event{}, false
		}

		return Event{
			Type:        EventMessage,
			InvokerID:   atoi(data["invokerid"]),
			InvokerUID:  data["invokeruid"],
			InvokerName: data["invokername"],
			Message:     data["msg"],
		}, true
	}

	return Event{}, false
}

// ParseGroups parses a comma separated server group list.
func ParseGroups(csv string) []int {
	if csv == "" {
		return nil
	}

	parts := strings.Split(csv, ",")
	groups := make([]int, 0, len(parts))

	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}

		groups = append(groups, id)
	}

	return groups
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
