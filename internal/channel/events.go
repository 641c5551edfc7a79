package channel

import (
	"encoding/json"

	"github.com/nextlevelbuilder/botlink/pkg/protocol"
)

// EventKind is the normalized event union delivered to the coordinator.
// Whatever the backend pushes, the coordinator only ever sees these three.
type EventKind int

const (
	KindCodeIssued EventKind = iota
	KindLinked
	KindFailed
)

func (k EventKind) String() string {
	switch k {
	case KindCodeIssued:
		return "code-issued"
	case KindLinked:
		return "linked"
	case KindFailed:
		return "failed"
	}
	return "unknown"
}

// Event is one normalized channel event.
type Event struct {
	Kind     EventKind
	Code     string // KindCodeIssued: the pairing code payload
	Identity string // KindLinked: verified external identity
	Reason   string // KindFailed: human-readable failure reason
}

// Field names that have carried the pairing code across backend versions.
var codeKeys = []string{"code", "qr", "qrCode", "qr_code", "pairingCode", "pairing_code"}

// Field names that have carried the linked identity across backend versions.
var identityKeys = []string{"phone", "phoneNumber", "phone_number", "jid", "identity", "msisdn"}

// Normalize maps a raw channel event onto the three-kind union.
//
// This is a compatibility layer, not speculation: backend releases have
// renamed the pairing events several times while keeping the payload shape,
// so the payload is authoritative and the event name is only a fallback
// hint. An identity-bearing payload wins over a code-bearing one because a
// linked notification may still echo the code it consumed.
func Normalize(name string, payload []byte) (Event, bool) {
	var fields map[string]json.RawMessage
	if len(payload) > 0 {
		json.Unmarshal(payload, &fields)
	}

	if id, ok := linkedIdentity(fields); ok {
		return Event{Kind: KindLinked, Identity: id}, true
	}
	for _, key := range codeKeys {
		if code := stringField(fields, key); code != "" {
			return Event{Kind: KindCodeIssued, Code: code}, true
		}
	}

	switch name {
	case protocol.EventDeviceLinked, protocol.EventPairingLinked, protocol.EventPairingSuccess:
		return Event{Kind: KindLinked, Identity: firstIdentity(fields)}, true
	case protocol.EventPairingFailed, protocol.EventError:
		return Event{Kind: KindFailed, Reason: failureReason(fields)}, true
	}
	return Event{}, false
}

// linkedIdentity reports whether the payload asserts a completed link:
// either an explicit linked/connected flag or a bare identity field.
func linkedIdentity(fields map[string]json.RawMessage) (string, bool) {
	if boolField(fields, "linked") || boolField(fields, "connected") {
		return firstIdentity(fields), true
	}
	if id := firstIdentity(fields); id != "" {
		return id, true
	}
	return "", false
}

func firstIdentity(fields map[string]json.RawMessage) string {
	for _, key := range identityKeys {
		if v := stringField(fields, key); v != "" {
			return v
		}
	}
	return ""
}

func failureReason(fields map[string]json.RawMessage) string {
	for _, key := range []string{"reason", "error", "message"} {
		if v := stringField(fields, key); v != "" {
			return v
		}
	}
	return "backend reported failure"
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func boolField(fields map[string]json.RawMessage, key string) bool {
	raw, ok := fields[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}
