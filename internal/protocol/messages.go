package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the 4-bit message type marker in header byte 1
type MessageType byte

const (
	MsgFullClientRequest  MessageType = 0x1
	MsgAudioOnlyRequest   MessageType = 0x2
	MsgFullServerResponse MessageType = 0x9
	MsgAudioOnlyResponse  MessageType = 0xB
	MsgError              MessageType = 0xF
)

func (t MessageType) String() string {
	switch t {
	case MsgFullClientRequest:
		return "full_client_request"
	case MsgAudioOnlyRequest:
		return "audio_only_request"
	case MsgFullServerResponse:
		return "full_server_response"
	case MsgAudioOnlyResponse:
		return "audio_only_response"
	case MsgError:
		return "error"
	default:
		return "unknown"
	}
}

// Flags occupy the low nibble of header byte 1
type Flags byte

const (
	FlagNoSequence       Flags = 0x0
	FlagPositiveSequence Flags = 0x1
	FlagLastNoSequence   Flags = 0x2
	FlagNegativeSequence Flags = 0x3 // last packet, carries a sequence
	FlagWithEvent        Flags = 0x4
)

func (f Flags) hasSequence() bool {
	s := f & 0x3
	return s == FlagPositiveSequence || s == FlagNegativeSequence
}

func (f Flags) isLast() bool {
	return f&FlagLastNoSequence != 0
}

// Serialization of the payload, high nibble of header byte 2
type Serialization byte

const (
	SerializationRaw  Serialization = 0x0
	SerializationJSON Serialization = 0x1
)

// Compression of the payload, low nibble of header byte 2
type Compression byte

const (
	CompressionNone Compression = 0x0
	CompressionGzip Compression = 0x1
)

// Event codes carried when FlagWithEvent is set
type Event int32

const (
	EventNone Event = 0

	// connection scoped: no session id on the wire
	EventStartConnection    Event = 1
	EventFinishConnection   Event = 2
	EventConnectionStarted  Event = 50
	EventConnectionFailed   Event = 51
	EventConnectionFinished Event = 52

	EventStartSession    Event = 100
	EventFinishSession   Event = 102
	EventSessionStarted  Event = 150
	EventSessionFinished Event = 152
	EventSessionFailed   Event = 153

	EventTaskRequest Event = 200

	EventTTSSentenceStart Event = 350
	EventTTSSentenceEnd   Event = 351
	EventTTSResponse      Event = 352
	EventTTSEnded         Event = 359

	EventASRInfo     Event = 450
	EventASRResponse Event = 451
	EventASREnded    Event = 459

	EventSayHello      Event = 300
	EventChatTextQuery Event = 501
	EventChatResponse  Event = 550
	EventChatEnded     Event = 559
)

var eventNames = map[Event]string{
	EventStartConnection:    "start_connection",
	EventFinishConnection:   "finish_connection",
	EventConnectionStarted:  "connection_started",
	EventConnectionFailed:   "connection_failed",
	EventConnectionFinished: "connection_finished",
	EventStartSession:       "start_session",
	EventFinishSession:      "finish_session",
	EventSessionStarted:     "session_started",
	EventSessionFinished:    "session_finished",
	EventSessionFailed:      "session_failed",
	EventTaskRequest:        "task_request",
	EventSayHello:           "say_hello",
	EventTTSSentenceStart:   "tts_sentence_start",
	EventTTSSentenceEnd:     "tts_sentence_end",
	EventTTSResponse:        "tts_response",
	EventTTSEnded:           "tts_ended",
	EventASRInfo:            "asr_info",
	EventASRResponse:        "asr_response",
	EventASREnded:           "asr_ended",
	EventChatTextQuery:      "chat_text_query",
	EventChatResponse:       "chat_response",
	EventChatEnded:          "chat_ended",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event_%d", int32(e))
}

// ParseEventName maps the event name used by JSON text control messages to
// its code. Unknown names map to EventNone.
func ParseEventName(name string) Event {
	for e, n := range eventNames {
		if n == name {
			return e
		}
	}
	return EventNone
}

// connectionScoped reports whether the event belongs to the connection rather
// than a session, in which case no session id follows it.
func (e Event) connectionScoped() bool {
	switch e {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

// carriesConnectID reports whether a server event is followed by a connect id
func (e Event) carriesConnectID() bool {
	switch e {
	case EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

// Ends reports whether the event terminates the audio stream of a session
func (e Event) Ends() bool {
	switch e {
	case EventSessionFinished, EventSessionFailed, EventTTSEnded, EventConnectionFinished:
		return true
	}
	return false
}

// --- payloads ---

// SynthesisRequest asks the TTS backend to speak a single text
type SynthesisRequest struct {
	Text       string `json:"text"`
	Speaker    string `json:"speaker,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// AudioSpec describes an audio stream in session payloads
type AudioSpec struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channel"`
}

// StartSessionPayload opens a voice-call session
type StartSessionPayload struct {
	Speaker string    `json:"speaker,omitempty"`
	Output  AudioSpec `json:"tts_audio"`
	Input   AudioSpec `json:"asr_audio"`
}

// ChatTextQuery sends a typed message into a live voice call
type ChatTextQuery struct {
	Content string `json:"content"`
}

// ASRResult is one recognition hypothesis
type ASRResult struct {
	Text      string `json:"text"`
	IsInterim bool   `json:"is_interim"`
}

// ASRResponse carries recognition results for the user's speech
type ASRResponse struct {
	Results []ASRResult `json:"results"`
}

// ChatResponse carries a streamed piece of the assistant's reply text
type ChatResponse struct {
	Content string `json:"content"`
}

// ControlPayload is the JSON document of a control frame, either
// {event, payload} or {error}. Raw keeps the full document for
// event-specific decoding.
type ControlPayload struct {
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// FrameKind tags the decoded frame variant
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameControl
	FrameAudio
)

func (k FrameKind) String() string {
	switch k {
	case FrameControl:
		return "control"
	case FrameAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Frame is one decoded binary message
type Frame struct {
	Kind      FrameKind
	Type      MessageType
	Flags     Flags
	Event     Event
	SessionID string
	ConnectID string
	Sequence  int32
	ErrorCode uint32
	Last      bool

	Control *ControlPayload // set for FrameControl
	Audio   []byte          // set for FrameAudio
}

// ServerError returns the error text carried by a control frame, or "" when
// the frame reports no error.
func (f Frame) ServerError() string {
	if f.Kind != FrameControl {
		return ""
	}
	if f.Type == MsgError || f.Event == EventSessionFailed || f.Event == EventConnectionFailed {
		if f.Control != nil && f.Control.Error != "" {
			return f.Control.Error
		}
		if f.Control != nil && f.Control.Message != "" {
			return f.Control.Message
		}
		return "server reported error"
	}
	if f.Control != nil && f.Control.Error != "" {
		return f.Control.Error
	}
	return ""
}
