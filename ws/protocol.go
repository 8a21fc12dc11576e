package ws

import (
	"encoding/json"

	"github.com/botgate/botgate-server/config"
)

// Wire protocol: user messages and answer chunks are plain text frames.
// A complete answer ends with CompleteMarker; a failed one ends with a single
// ErrorMarker-prefixed chunk so the client can tell it from answer text.
const (
	CompleteMarker = "__COMPLETE__"
	ErrorMarker    = "__ERROR__"

	pingText = "ping"
	pongText = "pong"
)

// Command is an inbound JSON control message. Anything that doesn't parse as
// one is treated as a chat message.
type Command struct {
	Action string `json:"action"`
	BotID  string `json:"bot_id"`
}

// BotSwitchedEvent confirms a bot switch to the client.
type BotSwitchedEvent struct {
	Type string     `json:"type"`
	Bot  config.Bot `json:"bot"`
}

func parseCommand(data string) (Command, bool) {
	var cmd Command
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		return Command{}, false
	}
	return cmd, cmd.Action != ""
}

// ErrorChunk builds the terminal error frame for a user-visible message.
func ErrorChunk(msg string) string {
	return ErrorMarker + msg
}
