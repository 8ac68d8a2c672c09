// Package gateway is the connection and protocol engine: it serves the
// websocket endpoint, parses framed commands, runs the per-connection
// state machine with a bounded outbound queue, and exposes the relay's
// HTTP surface (information document, satellite registration, metrics).
package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/HealthNoteLabs/HealthNote-Relay/event"
)

// Wire labels. Client to server: EVENT, REQ, CLOSE. Server to client:
// EVENT, EOSE, OK, NOTICE.
const (
	labelEvent  = "EVENT"
	labelReq    = "REQ"
	labelClose  = "CLOSE"
	labelEOSE   = "EOSE"
	labelOK     = "OK"
	labelNotice = "NOTICE"
)

// Client commands, produced by parseClientMessage. The wire form is a
// positional JSON array; parsing is a two-step: structural parse into
// raw elements, then per-variant field validation.
type (
	// PublishCommand is ["EVENT", <event>].
	PublishCommand struct {
		Event *event.Event
	}

	// SubscribeCommand is ["REQ", <label>, <filter>...].
	SubscribeCommand struct {
		Label   string
		Filters []event.Filter
	}

	// CloseCommand is ["CLOSE", <label>].
	CloseCommand struct {
		Label string
	}

	// UnknownCommand is any other verb; it draws an advisory NOTICE and
	// never closes the connection.
	UnknownCommand struct {
		Verb string
	}
)

// errMalformedFrame is returned for frames that are not a JSON array
// with a leading string verb.
var errMalformedFrame = fmt.Errorf("malformed frame")

// parseClientMessage parses one inbound frame into a command variant.
func parseClientMessage(data []byte) (any, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("%w: not a JSON array", errMalformedFrame)
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("%w: empty array", errMalformedFrame)
	}

	var verb string
	if err := json.Unmarshal(elements[0], &verb); err != nil {
		return nil, fmt.Errorf("%w: verb is not a string", errMalformedFrame)
	}

	switch verb {
	case labelEvent:
		return parsePublish(elements)
	case labelReq:
		return parseSubscribe(elements)
	case labelClose:
		return parseClose(elements)
	default:
		return UnknownCommand{Verb: verb}, nil
	}
}

func parsePublish(elements []json.RawMessage) (any, error) {
	if len(elements) != 2 {
		return nil, fmt.Errorf("%w: EVENT takes exactly one event", errMalformedFrame)
	}
	e, err := event.Unmarshal(elements[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errMalformedFrame, err)
	}
	return PublishCommand{Event: e}, nil
}

func parseSubscribe(elements []json.RawMessage) (any, error) {
	if len(elements) < 3 {
		return nil, fmt.Errorf("%w: REQ takes a label and at least one filter", errMalformedFrame)
	}

	var label string
	if err := json.Unmarshal(elements[1], &label); err != nil || label == "" {
		return nil, fmt.Errorf("%w: REQ label must be a non-empty string", errMalformedFrame)
	}

	filters := make([]event.Filter, 0, len(elements)-2)
	for _, raw := range elements[2:] {
		var f event.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: bad filter: %s", errMalformedFrame, err)
		}
		filters = append(filters, f)
	}

	return SubscribeCommand{Label: label, Filters: filters}, nil
}

func parseClose(elements []json.RawMessage) (any, error) {
	if len(elements) != 2 {
		return nil, fmt.Errorf("%w: CLOSE takes exactly one label", errMalformedFrame)
	}
	var label string
	if err := json.Unmarshal(elements[1], &label); err != nil || label == "" {
		return nil, fmt.Errorf("%w: CLOSE label must be a non-empty string", errMalformedFrame)
	}
	return CloseCommand{Label: label}, nil
}

// Server frame constructors. Frames are marshaled once, at enqueue time.

func eventFrame(label string, e *event.Event) ([]byte, error) {
	return json.Marshal([]any{labelEvent, label, e})
}

func eoseFrame(label string) ([]byte, error) {
	return json.Marshal([]any{labelEOSE, label})
}

func okFrame(id string, ok bool, message string) ([]byte, error) {
	return json.Marshal([]any{labelOK, id, ok, message})
}

func noticeFrame(message string) ([]byte, error) {
	return json.Marshal([]any{labelNotice, message})
}
