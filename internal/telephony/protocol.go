package telephony

// Media stream event names
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// responsePartMark names the mark sent after every outbound audio chunk
const responsePartMark = "responsePart"

// InboundMessage is a message received from Twilio Media Streams
type InboundMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload describes the stream in a start event
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaPayload carries one base64 µ-law frame
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload names a playback acknowledgement
type MarkPayload struct {
	Name string `json:"name"`
}

// OutboundMessage is a message sent to Twilio Media Streams
type OutboundMessage struct {
	Event     string         `json:"event"`
	StreamSid string         `json:"streamSid"`
	Media     *OutboundMedia `json:"media,omitempty"`
	Mark      *MarkPayload   `json:"mark,omitempty"`
}

// OutboundMedia carries one base64 µ-law chunk to play
type OutboundMedia struct {
	Payload string `json:"payload"`
}

func mediaMessage(streamSid, payload string) OutboundMessage {
	return OutboundMessage{Event: EventMedia, StreamSid: streamSid, Media: &OutboundMedia{Payload: payload}}
}

func markMessage(streamSid, name string) OutboundMessage {
	return OutboundMessage{Event: EventMark, StreamSid: streamSid, Mark: &MarkPayload{Name: name}}
}

func clearMessage(streamSid string) OutboundMessage {
	return OutboundMessage{Event: EventClear, StreamSid: streamSid}
}
