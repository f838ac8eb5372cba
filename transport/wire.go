// Package transport carries topic data over framed TCP, filling the role
// ZeroMQ PUB/SUB sockets played in the original system: a FanOut accepts
// subscriber connections and broadcasts every published line to all of
// them (with server-side topic filtering so a subscriber connecting
// without a filter still only receives what it asked for), and a FanIn
// dials a set of publishers/brokers and merges their lines into one
// channel, preserving the exact textual message and history-frame formats
// the rest of the system parses.
package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// DataFrame renders the plain "topic:payload" line a publisher sends for
// one reading on one topic.
func DataFrame(topic, payload string) string {
	return topic + ":" + payload
}

// HistoryFrame renders the sliding-window frame a publisher sends right
// after a data frame: "topic:hs-<depth>-hw-<window>", where window is the
// Python-style list literal the original history_windows value rendered
// as (e.g. "['a:1', 'a:2']"), preserved verbatim so the format is byte
// identical to what existing tooling already parses.
func HistoryFrame(topic string, historyDepth int, window string) string {
	return topic + ":hs-" + strconv.Itoa(historyDepth) + "-hw-" + window
}

// RelayFrame is what a broker produces when it forwards a history frame it
// received from a publisher: it splices "pi-<addr>-" in front of the
// "hs-" marker, where addr is the relaying broker's own address, so a
// downstream subscriber can identify (and, if needed, disconnect from)
// the peer it received the frame through.
func RelayFrame(frame, publisherAddr string) string {
	idx := strings.Index(frame, "hs-")
	if idx < 0 {
		return frame
	}
	return frame[:idx] + "pi-" + publisherAddr + "-" + frame[idx:]
}

// ParsedHistory is what a subscriber extracts from a relayed history
// frame: the "pi-" address (the relaying broker's address, if the frame
// was relayed through a broker), the declared history depth, the topic,
// and the raw window literal.
type ParsedHistory struct {
	Topic         string
	PublisherAddr string // the "pi-" address; empty if this frame was not broker-relayed
	HistoryDepth  int
	Window        string
}

// IsHistoryFrame reports whether message carries the "hs-" and "-hw-"
// history markers at all (relayed or direct).
func IsHistoryFrame(message string) bool {
	return strings.Contains(message, "hs-") && strings.Contains(message, "-hw-")
}

// ParseHistory decodes a history frame, relayed or direct. Callers should
// check IsHistoryFrame first; a message with no markers parses to a
// zero-value ParsedHistory and an error.
func ParseHistory(message string) (ParsedHistory, error) {
	if !IsHistoryFrame(message) {
		return ParsedHistory{}, fmt.Errorf("not a history frame: %q", message)
	}
	colonIdx := strings.Index(message, ":")
	if colonIdx < 0 {
		return ParsedHistory{}, fmt.Errorf("missing topic separator: %q", message)
	}
	topic := message[:colonIdx]
	rest := message[colonIdx+1:]

	var pubAddr string
	if strings.HasPrefix(rest, "pi-") {
		hsIdx := strings.Index(rest, "-hs-")
		if hsIdx < 0 {
			return ParsedHistory{}, fmt.Errorf("malformed relayed frame: %q", message)
		}
		pubAddr = rest[len("pi-"):hsIdx]
		rest = rest[hsIdx+1:] // keep leading "hs-..."
	}

	hsIdx := strings.Index(rest, "hs-")
	if hsIdx != 0 {
		return ParsedHistory{}, fmt.Errorf("malformed frame, expected hs- marker: %q", message)
	}
	afterHS := rest[len("hs-"):]
	hwIdx := strings.Index(afterHS, "-hw-")
	if hwIdx < 0 {
		return ParsedHistory{}, fmt.Errorf("malformed frame, missing -hw- marker: %q", message)
	}
	depthStr := afterHS[:hwIdx]
	window := afterHS[hwIdx+len("-hw-"):]

	depth, err := strconv.Atoi(depthStr)
	if err != nil {
		return ParsedHistory{}, fmt.Errorf("malformed history depth %q: %w", depthStr, err)
	}

	return ParsedHistory{Topic: topic, PublisherAddr: pubAddr, HistoryDepth: depth, Window: window}, nil
}

// ParseTopic extracts just the topic from a plain "topic:payload" frame.
func ParseTopic(message string) string {
	idx := strings.Index(message, ":")
	if idx < 0 {
		return message
	}
	return message[:idx]
}
