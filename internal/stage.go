package internal

import (
	"fmt"

	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
)

// Stage is the connection stage of a shard. Values are ordered for wire
// compatibility with status consumers.
type Stage int32

const (
	StageConnected Stage = iota
	StageDisconnected
	StageHandshaking
	StageIdentifying
	StageResuming
)

var stageNames = map[Stage]string{
	StageConnected:    "Connected",
	StageDisconnected: "Disconnected",
	StageHandshaking:  "Handshaking",
	StageIdentifying:  "Identifying",
	StageResuming:     "Resuming",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}

	return fmt.Sprintf("Stage(%d)", int32(s))
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return sandwichjson.Marshal(s.String())
}
