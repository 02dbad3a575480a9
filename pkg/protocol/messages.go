// Package protocol defines the wire format exchanged between relay clients and
// the gateway over WebSocket.
//
// Inbound text frames carry a JSON envelope naming an optional target
// connection and a text payload. The only outbound frame that is not a raw
// payload is the connection announcement sent right after the upgrade.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AnnouncementPrefix starts the first frame a connection receives.
const AnnouncementPrefix = "ConnID: "

// ErrMalformedEnvelope is wrapped by every Decode failure.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the decoded unit of an inbound text frame.
type Envelope struct {
	To      string `json:"to,omitempty"` // target connection id; empty means broadcast
	Message string `json:"message"`
}

// Decode parses a text frame into an Envelope. The frame must be a JSON
// object; "to" and "message" must be strings when present. Unknown fields are
// ignored and a missing message decodes as an empty payload.
func Decode(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrMalformedEnvelope)
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// Encode renders an envelope as a text frame.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Target reports the canonical connection id the envelope is addressed to.
// ok is false when "to" is absent or is not a well-formed identifier, in which
// case the envelope is a broadcast.
func (e Envelope) Target() (id string, ok bool) {
	if e.To == "" {
		return "", false
	}
	parsed, err := uuid.Parse(strings.TrimSpace(e.To))
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

// Announcement renders the frame that tells a peer its own connection id.
func Announcement(id string) string {
	return AnnouncementPrefix + id
}

// ParseAnnouncement extracts the connection id from an announcement frame.
func ParseAnnouncement(text string) (string, bool) {
	id, found := strings.CutPrefix(text, AnnouncementPrefix)
	if !found || id == "" {
		return "", false
	}
	return id, true
}
