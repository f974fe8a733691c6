// Package domain holds the value types shared by the bot's components.
package domain

import "time"

// Session is one live TeamSpeak connection.
type Session struct {
	ClientID     int
	UID          string
	DatabaseID   int
	Nickname     string
	ChannelID    int
	IdleTime     time.Duration
	ServerGroups []int
	Platform     string
	Version      string
	JoinedAt     time.Time
}

// Tier grants a server group once an identity has accrued RequiredTime.
type Tier struct {
	GroupID      int
	RequiredTime time.Duration
}

// GameAssociation maps a Steam app id to a server group.
type GameAssociation struct {
	GameID  int
	GroupID int
}

// Delta is a set of membership changes for a single identity.
type Delta struct {
	Add    []int
	Remove []int
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// HasGroup reports whether groupID is in groups.
func HasGroup(groups []int, groupID int) bool {
	for _, g := range groups {
		if g == groupID {
			return true
		}
	}

	return false
}
