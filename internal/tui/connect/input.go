package connect

import (
	"strings"

	"github.com/amurg-ai/relay/pkg/protocol"
)

// ParseInput turns a line typed by the user into an envelope. "@<id> text"
// addresses one connection; any other line is a broadcast. ok is false for a
// blank line.
func ParseInput(line string) (env protocol.Envelope, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return protocol.Envelope{}, false
	}
	if rest, found := strings.CutPrefix(line, "@"); found && rest != "" {
		target, msg, _ := strings.Cut(rest, " ")
		return protocol.Envelope{To: target, Message: strings.TrimSpace(msg)}, true
	}
	return protocol.Envelope{Message: line}, true
}
