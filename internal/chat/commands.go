package chat

import (
	"fmt"
	"strings"
)

const commandPrefix = "/"

// Replies written by a session itself, without a coordinator round trip.
const (
	replyJoined          = "joined"
	replyRoomRequired    = "!!! room name is required"
	replyNameRequired    = "!!! name is required"
	replyUnknownTemplate = "!!! unknown command: %q"
)

type commandKind int

const (
	commandChat commandKind = iota
	commandList
	commandJoin
	commandName
	commandUnknown
)

func (k commandKind) String() string {
	switch k {
	case commandChat:
		return "chat"
	case commandList:
		return "list"
	case commandJoin:
		return "join"
	case commandName:
		return "name"
	default:
		return "unknown"
	}
}

// command is one parsed text frame.
type command struct {
	kind commandKind
	// text is the trimmed frame.
	text string
	// arg is everything after the first space, trimmed. Empty means missing.
	arg string
}

// parseCommand interprets a text frame. Surrounding whitespace is ignored;
// frames starting with "/" are commands, everything else is chat.
func parseCommand(frame string) command {
	text := strings.TrimSpace(frame)
	if !strings.HasPrefix(text, commandPrefix) {
		return command{kind: commandChat, text: text}
	}

	name, arg, _ := strings.Cut(text, " ")
	cmd := command{text: text, arg: strings.TrimSpace(arg)}
	switch name {
	case "/list":
		cmd.kind = commandList
	case "/join":
		cmd.kind = commandJoin
	case "/name":
		cmd.kind = commandName
	default:
		cmd.kind = commandUnknown
	}
	return cmd
}

func unknownCommandReply(text string) string {
	return fmt.Sprintf(replyUnknownTemplate, text)
}

// chatLine prefixes text with the display name, if any.
func chatLine(name, text string) string {
	if name == "" {
		return text
	}
	return name + ": " + text
}
