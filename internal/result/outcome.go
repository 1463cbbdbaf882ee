package result

import (
	"strings"
)

// Reason classifies why a generation attempt failed.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonMaxRetries    Reason = "max_retries_exceeded"
	ReasonPermanent     Reason = "permanent"
	ReasonMissingMedia  Reason = "missing_media"
	ReasonNotConfigured Reason = "not_configured"
	ReasonTemplate      Reason = "template"
	// ReasonUnknown is assigned to markers written by older tools that
	// carry only a free-text message.
	ReasonUnknown Reason = "unknown"
)

var knownReasons = []Reason{
	ReasonMaxRetries,
	ReasonPermanent,
	ReasonMissingMedia,
	ReasonNotConfigured,
	ReasonTemplate,
	ReasonUnknown,
}

// Outcome is the terminal result of generating one row.
// It is a success iff Reason is ReasonNone.
type Outcome struct {
	ID      string `json:"id"`
	Text    string `json:"text,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Success returns a successful outcome for id.
func Success(id, text string) Outcome {
	return Outcome{ID: id, Text: text}
}

// Failure returns a failed outcome for id.
func Failure(id string, reason Reason, msg string) Outcome {
	return Outcome{ID: id, Reason: reason, Message: msg}
}

func (o Outcome) OK() bool {
	return o.Reason == ReasonNone
}

// Record converts the outcome into its persisted form. Failures are
// serialized as a failure marker.
func (o Outcome) Record() Record {
	if o.OK() {
		return Record{ID: o.ID, Text: o.Text}
	}
	return Record{ID: o.ID, Text: Marker(o.Reason, o.Message)}
}

const markerPrefix = "ERROR:"

// Marker renders the text stored for a failed row: "ERROR: <reason>: <message>".
// Tabs and newlines are folded so the marker survives a TSV round trip.
func Marker(reason Reason, msg string) string {
	if reason == ReasonNone {
		reason = ReasonUnknown
	}
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		return markerPrefix + " " + string(reason)
	}
	return markerPrefix + " " + string(reason) + ": " + msg
}

// IsFailureMarker reports whether text is a persisted failure.
func IsFailureMarker(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), markerPrefix)
}

// ParseMarker recovers the reason and message from a failure marker.
// Markers without a recognised reason yield ReasonUnknown and the whole
// remainder as the message.
func ParseMarker(text string) (Reason, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, markerPrefix) {
		return ReasonNone, "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(text, markerPrefix))
	head, msg, _ := strings.Cut(rest, ":")
	for _, r := range knownReasons {
		if head == string(r) {
			return r, strings.TrimSpace(msg), true
		}
	}
	return ReasonUnknown, rest, true
}
