package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Inbound event names sent by the telephony provider.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
)

type inboundEvent struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *mediaFormat      `json:"mediaFormat,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Media     mediaPayload `json:"media"`
}

// decodeEvent parses one text message. Unknown event names are accepted and
// ignored by the caller; structurally invalid messages are errors.
func decodeEvent(data []byte) (inboundEvent, error) {
	var ev inboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decoding event: %w", err)
	}
	switch ev.Event {
	case "":
		return ev, fmt.Errorf("event without type")
	case EventStart:
		if ev.Start == nil || ev.Start.CallSID == "" {
			return ev, fmt.Errorf("start event without callSid")
		}
	case EventMedia:
		if ev.Media == nil {
			return ev, fmt.Errorf("media event without media")
		}
	}
	return ev, nil
}

// decodePayload returns the raw audio carried by a media event.
func decodePayload(m *mediaPayload) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding media payload: %w", err)
	}
	return data, nil
}

// encodeMedia renders an outbound media event.
func encodeMedia(streamSID string, audio []byte) ([]byte, error) {
	return json.Marshal(outboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}
