// Package wire defines the message vocabulary of the realtime transcription
// channel and the JSON codec for it.
//
// Every frame on the channel is a JSON object with a "type" discriminator.
// Client messages are encoded with [Marshal]; server frames are decoded with
// [Unmarshal] into one concrete [ServerEvent] variant, so consumers switch on
// the Go type rather than inspecting loose maps.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client → server message types.
const (
	TypeJoin  = "join_transcription"
	TypeLeave = "leave_transcription"
	TypePing  = "ping"
)

// Server → client message types.
const (
	TypeConnected  = "connected"
	TypeRoomJoined = "room_joined"
	TypeRoomLeft   = "room_left"
	TypeProgress   = "transcription_progress"
	TypeCompleted  = "transcription_completed"
	TypeError      = "transcription_error"
	TypeChannelErr = "error"
	TypeAuthError  = "auth_error"
	TypePong       = "pong"
)

// ErrUnknownType is wrapped by [Unmarshal] when a frame carries a type the
// codec does not recognise. Callers typically log and skip such frames.
var ErrUnknownType = errors.New("unknown message type")

// ── Client messages ───────────────────────────────────────────────────────────

// ClientMessage is implemented by every message the client may send.
type ClientMessage interface {
	clientMessage()
}

// Join subscribes the connection to one transcription's event stream.
// Token is an optional bearer credential; empty means anonymous.
type Join struct {
	TranscriptionID string `json:"transcription_id"`
	Token           string `json:"token,omitempty"`
}

// Leave unsubscribes the connection from one transcription's event stream.
type Leave struct {
	TranscriptionID string `json:"transcription_id"`
}

// Ping is a keepalive probe; the server answers with [Pong].
type Ping struct{}

func (Join) clientMessage()  {}
func (Leave) clientMessage() {}
func (Ping) clientMessage()  {}

// Marshal encodes msg as a JSON frame with its "type" discriminator.
func Marshal(msg ClientMessage) ([]byte, error) {
	switch m := msg.(type) {
	case Join:
		return json.Marshal(struct {
			Type string `json:"type"`
			Join
		}{TypeJoin, m})
	case Leave:
		return json.Marshal(struct {
			Type string `json:"type"`
			Leave
		}{TypeLeave, m})
	case Ping:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{TypePing})
	default:
		return nil, fmt.Errorf("wire: unsupported client message %T", msg)
	}
}

// ── Server events ─────────────────────────────────────────────────────────────

// ServerEvent is implemented by every decoded server frame.
type ServerEvent interface {
	serverEvent()
}

// JobEvent is a [ServerEvent] scoped to one transcription job. The registry
// demultiplexes these by [JobEvent.JobID].
type JobEvent interface {
	ServerEvent
	JobID() string
}

// Connected acknowledges a fresh connection.
type Connected struct {
	SessionID string `json:"session_id"`
}

// RoomJoined confirms a [Join] request for the given transcription.
type RoomJoined struct {
	TranscriptionID string `json:"transcription_id"`
}

// RoomLeft confirms a [Leave] request for the given transcription.
type RoomLeft struct {
	TranscriptionID string `json:"transcription_id"`
}

// Progress reports a processing stage and percentage for one transcription.
type Progress struct {
	TranscriptionID string  `json:"transcription_id"`
	Stage           string  `json:"stage"`
	Percentage      float64 `json:"percentage"`
	Message         string  `json:"message"`
	Timestamp       string  `json:"timestamp"`
}

// Completed signals that a transcription finished successfully.
type Completed struct {
	TranscriptionID string  `json:"transcription_id"`
	Stage           string  `json:"stage"`
	Percentage      float64 `json:"percentage"`
	Message         string  `json:"message"`
	Timestamp       string  `json:"timestamp"`
}

// JobError signals that a transcription failed terminally.
type JobError struct {
	TranscriptionID string  `json:"transcription_id"`
	Stage           string  `json:"stage"`
	Percentage      float64 `json:"percentage"`
	Message         string  `json:"message"`
	ErrorCode       string  `json:"error_code,omitempty"`
	Timestamp       string  `json:"timestamp"`
}

// ChannelError is a connection-scoped error not tied to one job. A pending
// join attempt is resolved as failed when one arrives.
type ChannelError struct {
	Message string `json:"message"`
}

// AuthError reports an authentication failure. It is fatal for the
// connection; the channel manager stops reconnecting until told otherwise.
type AuthError struct {
	Message string `json:"message"`
}

// Pong answers a [Ping].
type Pong struct {
	Timestamp string `json:"timestamp"`
}

func (Connected) serverEvent()    {}
func (RoomJoined) serverEvent()   {}
func (RoomLeft) serverEvent()     {}
func (Progress) serverEvent()     {}
func (Completed) serverEvent()    {}
func (JobError) serverEvent()     {}
func (ChannelError) serverEvent() {}
func (AuthError) serverEvent()    {}
func (Pong) serverEvent()         {}

// JobID returns the transcription this event belongs to.
func (e Progress) JobID() string { return e.TranscriptionID }

// JobID returns the transcription this event belongs to.
func (e Completed) JobID() string { return e.TranscriptionID }

// JobID returns the transcription this event belongs to.
func (e JobError) JobID() string { return e.TranscriptionID }

// Unmarshal decodes a server frame into its concrete [ServerEvent] variant.
// Frames with an unrecognised type return an error wrapping [ErrUnknownType].
func Unmarshal(data []byte) (ServerEvent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}

	decode := func(v ServerEvent) (ServerEvent, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", head.Type, err)
		}
		return v, nil
	}

	switch head.Type {
	case TypeConnected:
		return deref(decode(&Connected{}))
	case TypeRoomJoined:
		return deref(decode(&RoomJoined{}))
	case TypeRoomLeft:
		return deref(decode(&RoomLeft{}))
	case TypeProgress:
		return deref(decode(&Progress{}))
	case TypeCompleted:
		return deref(decode(&Completed{}))
	case TypeError:
		return deref(decode(&JobError{}))
	case TypeChannelErr:
		return deref(decode(&ChannelError{}))
	case TypeAuthError:
		return deref(decode(&AuthError{}))
	case TypePong:
		return deref(decode(&Pong{}))
	default:
		return nil, fmt.Errorf("wire: %w: %q", ErrUnknownType, head.Type)
	}
}

// deref converts the pointer variants produced during decoding back to the
// value forms the rest of the codebase switches on.
func deref(ev ServerEvent, err error) (ServerEvent, error) {
	if err != nil {
		return nil, err
	}
	switch v := ev.(type) {
	case *Connected:
		return *v, nil
	case *RoomJoined:
		return *v, nil
	case *RoomLeft:
		return *v, nil
	case *Progress:
		return *v, nil
	case *Completed:
		return *v, nil
	case *JobError:
		return *v, nil
	case *ChannelError:
		return *v, nil
	case *AuthError:
		return *v, nil
	case *Pong:
		return *v, nil
	}
	return ev, nil
}
