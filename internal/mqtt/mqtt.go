// Package mqtt connects the controller to the broker: it publishes loop
// events and lifecycle messages, receives remote commands and CGM/carb
// feeds, and carries request/reply calls to the pump and engine services.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/events"
)

// Topics used by the controller.
const (
	TopicSystem        = "aps/controller/system"
	TopicEvents        = "aps/controller/events"
	TopicAnnouncements = "aps/announcements"
	TopicGlucose       = "aps/cgm/glucose"
	TopicCarbs         = "aps/carbs"
	TopicBolusProgress = "aps/pump/bolus_progress"
	TopicManualTemp    = "aps/pump/manual_temp"
)

// EventTopic returns the topic a loop event of the given kind is published on.
func EventTopic(kind events.Kind) string {
	return TopicEvents + "/" + string(kind)
}

// RequestTopic returns the topic requests to service are sent on.
func RequestTopic(service string) string {
	return "aps/rpc/" + service + "/request"
}

// ReplyTopic returns the topic service replies on.
func ReplyTopic(service string) string {
	return "aps/rpc/" + service + "/reply"
}

// MessageHandler receives a message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Client is the broker connection.
type Client interface {
	// Publish sends payload to topic. Returns error if publishing fails
	// (should not crash the process).
	Publish(topic string, qos byte, retained bool, payload []byte) error

	// Subscribe registers h for messages on topic. Subscriptions survive
	// reconnects.
	Subscribe(topic string, qos byte, h MessageHandler) error

	// IsConnected reports whether the connection is active.
	IsConnected() bool

	// Close disconnects from the broker.
	Close() error
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "RECONNECTED"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// SystemPayload is the MQTT payload for simple system events (LWT,
// RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}

// PublishSystem formats and publishes a system event with QoS 1.
func PublishSystem(c Client, event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	return c.Publish(TopicSystem, 1, event.Retained, payload)
}

// EventPayload is the MQTT payload of a loop event.
type EventPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// LoopStatePayload is the JSON form of aps.LoopState.
type LoopStatePayload struct {
	IsLooping       bool   `json:"is_looping"`
	LastLoopDate    string `json:"last_loop_date,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	ManualTempBasal bool   `json:"manual_temp_basal"`
}

// FormatEvent creates the JSON payload for a loop event.
func FormatEvent(e events.Event) ([]byte, error) {
	p := EventPayload{
		Event:     string(e.Kind),
		Timestamp: e.Time.UTC().Format(time.RFC3339),
		Data:      e.Payload,
	}
	if e.Err != nil {
		p.Error = e.Err.Error()
		p.ErrorKind = string(aps.KindOf(e.Err))
	}
	if s, ok := e.Payload.(aps.LoopState); ok {
		p.Data = formatLoopState(s)
	}
	return json.Marshal(p)
}

func formatLoopState(s aps.LoopState) LoopStatePayload {
	out := LoopStatePayload{
		IsLooping:       s.IsLooping,
		ManualTempBasal: s.ManualTempBasal,
	}
	if !s.LastLoopDate.IsZero() {
		out.LastLoopDate = s.LastLoopDate.UTC().Format(time.RFC3339)
	}
	if s.LastError != nil {
		out.LastError = s.LastError.Error()
	}
	return out
}
