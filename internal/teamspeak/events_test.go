package teamspeak

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventJoin(t *testing.T) {
	event, ok := parseEvent("notifycliententerview", map[string]string{
		"clid":                     "12",
		"client_unique_identifier": "abc=",
		"client_database_id":       "40",
		"client_nickname":          "alice",
		"ctid":                     "3",
		"client_servergroups":      "6,8,100",
		"client_version":           "5.0.0 [Build: 1700000000]",
		"client_platform":          "Linux",
		"client_type":              "0",
	}, 42)
	require.True(t, ok)

	assert.Equal(t, EventJoin, event.Type)
	assert.Equal(t, 12, event.Session.ClientID)
	assert.Equal(t, "abc=", event.Session.UID)
	assert.Equal(t, 40, event.Session.DatabaseID)
	assert.Equal(t, 3, event.Session.ChannelID)
	assert.Equal(t, []int{6, 8, 100}, event.Session.ServerGroups)
	assert.Equal(t, "Linux", event.Session.Platform)
	assert.False(t, event.Session.JoinedAt.IsZero())
}

func TestParseEventSkipsQueryClients(t *testing.T) {
	_, ok := parseEvent("cliententerview", map[string]string{
		"clid":                     "1",
		"client_unique_identifier": "serveradmin",
		"client_type":              "1",
	}, 42)
	assert.False(t, ok)
}

func TestParseEventLeaveAndMove(t *testing.T) {
	event, ok := parseEvent("notifyclientleftview", map[string]string{"clid": "7"}, 42)
	require.True(t, ok)
	assert.Equal(t, EventLeave, event.Type)
	assert.Equal(t, 7, event.ClientID)

	event, ok = parseEvent("notifyclientmoved", map[string]string{"clid": "7", "ctid": "9"}, 42)
	require.True(t, ok)
	assert.Equal(t, EventMove, event.Type)
	assert.Equal(t, 9, event.ChannelID)

	_, ok = parseEvent("notifyclientmoved", map[string]string{}, 42)
	assert.False(t, ok)
}

func TestParseEventPrivateMessage(t *testing.T) {
	event, ok := parseEvent("notifytextmessage", map[string]string{
		"targetmode":  "1",
		"target":      "42",
		"invokerid":   "5",
		"invokeruid":  "abc=",
		"invokername": "alice",
		"msg":         "!time show abc=",
	}, 42)
	require.True(t, ok)
	assert.Equal(t, EventMessage, event.Type)
	assert.Equal(t, 5, event.InvokerID)
	assert.Equal(t, "abc=", event.InvokerUID)
	assert.Equal(t, "!time show abc=", event.Message)

	_, ok = parseEvent("notifytextmessage", map[string]string{"targetmode": "3", "msg": "hi"}, 42)
	assert.False(t, ok)
}

func TestParseEventIgnoresOwnMessages(t *testing.T) {
	// The server echoes the bot's own private replies back to it.
	_, ok := parseEvent("notifytextmessage", map[string]string{
		"targetmode": "1",
		"target":     "7",
		"invokerid":  "42",
		"invokeruid": "serveradmin",
		"msg":        "Done.",
	}, 42)
	assert.False(t, ok)

	_, ok = parseEvent("notifytextmessage", map[string]string{
		"targetmode": "1",
		"target":     "42",
		"invokerid":  "42",
		"msg":        "Done.",
	}, 42)
	assert.False(t, ok)

	_, ok = parseEvent("notifytextmessage", map[string]string{
		"targetmode": "1",
		"target":     "99",
		"invokerid":  "7",
		"msg":        "!help",
	}, 42)
	assert.False(t, ok, "messages addressed to another client are dropped")

	_, ok = parseEvent("notifytextmessage", map[string]string{
		"targetmode": "1",
		"target":     "42",
		"invokerid":  "7",
		"msg":        "!help",
	}, 0)
	assert.False(t, ok, "nothing is accepted before the query id is known")
}

func TestParseEventUnknown(t *testing.T) {
	_, ok := parseEvent("notifychanneledited", map[string]string{"cid": "1"}, 42)
	assert.False(t, ok)
}

func TestParseGroups(t *testing.T) {
	assert.Nil(t, ParseGroups(""))
	assert.Equal(t, []int{8}, ParseGroups("8"))
	assert.Equal(t, []int{8, 9}, ParseGroups("8, x,9"))
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "join", EventJoin.String())
	assert.Equal(t, "disconnected", EventDisconnected.String())
	assert.Equal(t, "unknown", EventType(0).String())
}
