package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// DefaultMaxPayloadBytes bounds a gzip payload once inflated
const DefaultMaxPayloadBytes = 1 << 20

const (
	protocolVersion  byte = 0x1
	headerSizeUnits  byte = 0x1 // header size in 4-byte units
	fixedHeaderBytes      = 4
)

var (
	// ErrMalformedFrame is returned for frames that are truncated or carry
	// an unsupported version.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMalformedControlPayload is returned when a control frame's JSON
	// document cannot be parsed.
	ErrMalformedControlPayload = errors.New("malformed control payload")
	// ErrInvalidRequest is returned by EncodeRequest for requests that cannot
	// be put on the wire.
	ErrInvalidRequest = errors.New("invalid request")
)

// sonic's std-compatible config sorts map keys, so encoding the same request
// twice yields the same bytes.
var jsonAPI = sonic.ConfigStd

// Request describes one outbound client frame
type Request struct {
	Type      MessageType // zero selects AudioOnly when Audio is set, FullClient otherwise
	Event     Event
	SessionID string
	Sequence  int32
	Last      bool
	Gzip      bool

	Payload any    // JSON encoded for full client requests
	Audio   []byte // raw bytes for audio-only requests
}

// EncodeRequest serializes a client request into one binary frame. Encoding
// is deterministic for a given request.
func EncodeRequest(req Request) ([]byte, error) {
	typ := req.Type
	if typ == 0 {
		typ = MsgFullClientRequest
		if req.Audio != nil {
			typ = MsgAudioOnlyRequest
		}
	}

	var (
		payload []byte
		ser     Serialization
		err     error
	)
	switch typ {
	case MsgFullClientRequest:
		ser = SerializationJSON
		if req.Payload == nil {
			payload = []byte("{}")
		} else if raw, ok := req.Payload.([]byte); ok {
			payload = raw
		} else {
			payload, err = jsonAPI.Marshal(req.Payload)
			if err != nil {
				return nil, fmt.Errorf("%w: marshal payload: %v", ErrInvalidRequest, err)
			}
		}
	case MsgAudioOnlyRequest:
		ser = SerializationRaw
		payload = req.Audio
	default:
		return nil, fmt.Errorf("%w: %s is not a client message type", ErrInvalidRequest, typ)
	}

	comp := CompressionNone
	if req.Gzip {
		payload, err = gzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrInvalidRequest, err)
		}
		comp = CompressionGzip
	}

	var flags Flags
	switch {
	case req.Sequence > 0 && !req.Last:
		flags = FlagPositiveSequence
	case req.Sequence != 0:
		flags = FlagNegativeSequence
	case req.Last:
		flags = FlagLastNoSequence
	}
	if req.Event != EventNone {
		flags |= FlagWithEvent
	}

	buf := bytes.NewBuffer(make([]byte, 0, fixedHeaderBytes+16+len(req.SessionID)+len(payload)))
	buf.Write([]byte{
		protocolVersion<<4 | headerSizeUnits,
		byte(typ)<<4 | byte(flags),
		byte(ser)<<4 | byte(comp),
		0x00,
	})
	if flags.hasSequence() {
		writeInt32(buf, req.Sequence)
	}
	if req.Event != EventNone {
		writeInt32(buf, int32(req.Event))
		if !req.Event.connectionScoped() {
			writeString(buf, req.SessionID)
		}
	}
	writeUint32(buf, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeFrame parses one binary message. Frames with a JSON body become
// control frames, raw bodies become audio frames. Error frames are always
// control frames. Unrecognized message types yield a FrameUnknown with no
// error.
func DecodeFrame(data []byte) (Frame, error) {
	return DecodeFrameLimit(data, DefaultMaxPayloadBytes)
}

// DecodeFrameLimit is DecodeFrame with a cap on the inflated size of a gzip
// payload. A payload that inflates past maxPayload is a malformed frame.
func DecodeFrameLimit(data []byte, maxPayload int64) (Frame, error) {
	var f Frame
	if len(data) < fixedHeaderBytes {
		return f, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedFrame, len(data))
	}
	version := data[0] >> 4
	if version != protocolVersion {
		return f, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, version)
	}
	headerLen := int(data[0]&0x0F) * 4
	if headerLen < fixedHeaderBytes || headerLen > len(data) {
		return f, fmt.Errorf("%w: bad header size %d", ErrMalformedFrame, headerLen)
	}

	f.Type = MessageType(data[1] >> 4)
	f.Flags = Flags(data[1] & 0x0F)
	f.Last = f.Flags.isLast()
	ser := Serialization(data[2] >> 4)
	comp := Compression(data[2] & 0x0F)

	switch f.Type {
	case MsgFullServerResponse, MsgAudioOnlyResponse, MsgError,
		MsgFullClientRequest, MsgAudioOnlyRequest:
	default:
		// left for the caller to log and ignore
		f.Kind = FrameUnknown
		return f, nil
	}

	r := &reader{buf: data[headerLen:]}
	if f.Flags.hasSequence() {
		seq, err := r.int32()
		if err != nil {
			return f, err
		}
		f.Sequence = seq
	}
	if f.Type == MsgError {
		code, err := r.uint32()
		if err != nil {
			return f, err
		}
		f.ErrorCode = code
	}
	if f.Flags&FlagWithEvent != 0 {
		ev, err := r.int32()
		if err != nil {
			return f, err
		}
		f.Event = Event(ev)
		switch {
		case f.Event.carriesConnectID():
			if f.ConnectID, err = r.string(); err != nil {
				return f, err
			}
		case !f.Event.connectionScoped():
			if f.SessionID, err = r.string(); err != nil {
				return f, err
			}
		}
	}
	payload, err := r.bytes()
	if err != nil {
		return f, err
	}
	if comp == CompressionGzip && len(payload) > 0 {
		payload, err = gunzipBytes(payload, maxPayload)
		if err != nil {
			return f, fmt.Errorf("%w: gunzip: %v", ErrMalformedFrame, err)
		}
	}

	if f.Type == MsgError || ser == SerializationJSON {
		f.Kind = FrameControl
		ctl, err := DecodeControlJSON(payload)
		if err != nil {
			if f.Type != MsgError {
				return f, err
			}
			// some servers send plain text errors
			ctl = &ControlPayload{Error: string(payload), Raw: payload}
		}
		f.Control = ctl
		return f, nil
	}

	f.Kind = FrameAudio
	f.Audio = payload
	return f, nil
}

// DecodeControlJSON parses the JSON body of a control frame. An empty body is
// an empty document.
func DecodeControlJSON(payload []byte) (*ControlPayload, error) {
	ctl := &ControlPayload{Raw: payload}
	if len(bytes.TrimSpace(payload)) == 0 {
		return ctl, nil
	}
	if err := jsonAPI.Unmarshal(payload, ctl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedControlPayload, err)
	}
	ctl.Raw = payload
	return ctl, nil
}

// DecodeTextFrame wraps a JSON text message as a control frame. The
// document's "event" name selects the frame event.
func DecodeTextFrame(data []byte) (Frame, error) {
	ctl, err := DecodeControlJSON(data)
	if err != nil {
		return Frame{}, err
	}
	typ := MsgFullServerResponse
	if ctl.Error != "" {
		typ = MsgError
	}
	return Frame{
		Kind:    FrameControl,
		Type:    typ,
		Event:   ParseEventName(ctl.Event),
		Control: ctl,
	}, nil
}

// DecodePayload decodes the event-specific document of a control frame into T.
// The nested "payload" field is preferred when present.
func DecodePayload[T any](ctl *ControlPayload) (T, error) {
	var out T
	if ctl == nil {
		return out, fmt.Errorf("%w: nil control payload", ErrMalformedControlPayload)
	}
	src := []byte(ctl.Payload)
	if len(src) == 0 {
		src = ctl.Raw
	}
	if len(src) == 0 {
		return out, nil
	}
	if err := jsonAPI.Unmarshal(src, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedControlPayload, err)
	}
	return out, nil
}

// --- request helpers ---

// StartConnection opens the logical connection on a freshly dialed socket
func StartConnection() ([]byte, error) {
	return EncodeRequest(Request{Event: EventStartConnection})
}

// FinishConnection closes the logical connection
func FinishConnection() ([]byte, error) {
	return EncodeRequest(Request{Event: EventFinishConnection})
}

// StartSession opens a session with the given parameters
func StartSession(sessionID string, p StartSessionPayload) ([]byte, error) {
	return EncodeRequest(Request{Event: EventStartSession, SessionID: sessionID, Payload: p})
}

// FinishSession ends a session
func FinishSession(sessionID string) ([]byte, error) {
	return EncodeRequest(Request{Event: EventFinishSession, SessionID: sessionID})
}

// Synthesize builds the single request of a text-to-speech session
func Synthesize(sessionID string, s SynthesisRequest) ([]byte, error) {
	return EncodeRequest(Request{Event: EventTaskRequest, SessionID: sessionID, Payload: s})
}

// AudioChunk wraps captured audio for the uplink of a voice call
func AudioChunk(sessionID string, audio []byte) ([]byte, error) {
	if audio == nil {
		audio = []byte{}
	}
	return EncodeRequest(Request{Event: EventTaskRequest, SessionID: sessionID, Audio: audio})
}

// TextQuery injects a typed user message into a voice call
func TextQuery(sessionID, text string) ([]byte, error) {
	return EncodeRequest(Request{Event: EventChatTextQuery, SessionID: sessionID, Payload: ChatTextQuery{Content: text}})
}

// --- wire helpers ---

type reader struct {
	buf []byte
	off int
}

func (r *reader) need(n int) error {
	if n < 0 || r.off+n > len(r.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedFrame, n, r.off, len(r.buf)-r.off)
	}
	return nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if n > uint32(len(r.buf)) {
		return nil, fmt.Errorf("%w: declared size %d exceeds frame", ErrMalformedFrame, n)
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32) {
	writeUint32(buf, uint32(v))
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("inflates past %d bytes", limit)
	}
	return out, nil
}
