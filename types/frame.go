package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	FrameTypeUserConnect  = "user_connect"
	FrameTypePTT          = "ptt"
	FrameTypeMessage      = "message"
	FrameTypeStatusUpdate = "status_update"
	FrameTypeWelcome      = "welcome"
	FrameTypePTTEvent     = "ptt_event"
	FrameTypeNewMessage   = "new_message"
	FrameTypeUserStatus   = "user_status"
	FrameTypeError        = "error"
)

// Frame is one signaling frame exchanged over the broadcast channel. The set
// of implementations is closed; frames with an unrecognized type decode into
// UnknownFrame.
type Frame interface {
	FrameType() string
}

// Client -> hub frames. Incoming fields are weakly decoded, so numeric ids
// sent as JSON numbers still end up in the string fields.

type UserConnectFrame struct {
	UserId string `json:"userId" mapstructure:"userId"`
	Status string `json:"status" mapstructure:"status"`
}

func (f *UserConnectFrame) FrameType() string { return FrameTypeUserConnect }

func (f *UserConnectFrame) validate() error {
	if f.UserId == "" {
		return fmt.Errorf("%s: missing userId", FrameTypeUserConnect)
	}
	if f.Status != StatusOnline && f.Status != StatusOffline {
		return fmt.Errorf("%s: invalid status %q", FrameTypeUserConnect, f.Status)
	}
	return nil
}

type PTTFrame struct {
	Group  string `json:"group" mapstructure:"group"`
	UserId string `json:"userId" mapstructure:"userId"`
}

func (f *PTTFrame) FrameType() string { return FrameTypePTT }

func (f *PTTFrame) validate() error {
	if f.Group == "" {
		return fmt.Errorf("%s: missing group", FrameTypePTT)
	}
	if f.UserId == "" {
		return fmt.Errorf("%s: missing userId", FrameTypePTT)
	}
	return nil
}

type MessageFrame struct {
	GroupId string `json:"groupId" mapstructure:"groupId"`
	UserId  string `json:"userId" mapstructure:"userId"`
	Message string `json:"message" mapstructure:"message"`
}

func (f *MessageFrame) FrameType() string { return FrameTypeMessage }

func (f *MessageFrame) validate() error {
	if f.GroupId == "" || f.UserId == "" || f.Message == "" {
		return fmt.Errorf("%s: missing groupId, userId or message", FrameTypeMessage)
	}
	return nil
}

type StatusUpdateFrame struct {
	UserId string `json:"userId" mapstructure:"userId"`
	Status string `json:"status" mapstructure:"status"`
}

func (f *StatusUpdateFrame) FrameType() string { return FrameTypeStatusUpdate }

func (f *StatusUpdateFrame) validate() error {
	if f.UserId == "" {
		return fmt.Errorf("%s: missing userId", FrameTypeStatusUpdate)
	}
	if f.Status != StatusOnline && f.Status != StatusOffline {
		return fmt.Errorf("%s: invalid status %q", FrameTypeStatusUpdate, f.Status)
	}
	return nil
}

// UnknownFrame carries a frame whose type field is not recognized. The hub
// handles it as a no-op, which keeps old servers forward-compatible with
// newer consoles.
type UnknownFrame struct {
	Type string
	Raw  map[string]interface{}
}

func (f *UnknownFrame) FrameType() string { return f.Type }

// Hub -> client frames. These are marshaled exactly once per broadcast.

type WelcomeFrame struct {
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	ServerTime time.Time `json:"serverTime"`
}

func (f *WelcomeFrame) FrameType() string { return FrameTypeWelcome }

func NewWelcomeFrame(message string) *WelcomeFrame {
	return &WelcomeFrame{Type: FrameTypeWelcome, Message: message, ServerTime: time.Now()}
}

type PTTEventFrame struct {
	Type      string    `json:"type"`
	Group     string    `json:"group"`
	UserId    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

func (f *PTTEventFrame) FrameType() string { return FrameTypePTTEvent }

func NewPTTEventFrame(group, userId string) *PTTEventFrame {
	return &PTTEventFrame{Type: FrameTypePTTEvent, Group: group, UserId: userId, Timestamp: time.Now()}
}

type NewMessageFrame struct {
	Type      string    `json:"type"`
	GroupId   string    `json:"groupId"`
	UserId    string    `json:"userId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (f *NewMessageFrame) FrameType() string { return FrameTypeNewMessage }

func NewNewMessageFrame(groupId, userId, message string) *NewMessageFrame {
	return &NewMessageFrame{Type: FrameTypeNewMessage, GroupId: groupId, UserId: userId, Message: message, Timestamp: time.Now()}
}

type UserStatusFrame struct {
	Type   string `json:"type"`
	UserId string `json:"userId"`
	Status string `json:"status"`
}

func (f *UserStatusFrame) FrameType() string { return FrameTypeUserStatus }

func NewUserStatusFrame(userId, status string) *UserStatusFrame {
	return &UserStatusFrame{Type: FrameTypeUserStatus, UserId: userId, Status: status}
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (f *ErrorFrame) FrameType() string { return FrameTypeError }

func NewErrorFrame(message string) *ErrorFrame {
	return &ErrorFrame{Type: FrameTypeError, Message: message}
}

// DecodeFrame parses raw into the matching frame type and validates the
// required fields. A frame with an unrecognized type decodes into
// *UnknownFrame with a nil error.
func DecodeFrame(raw []byte) (Frame, error) {
	frameMap := make(map[string]interface{})
	if err := json.Unmarshal(raw, &frameMap); err != nil {
		return nil, fmt.Errorf("could not unmarshal frame: %w", err)
	}
	frameType, _ := frameMap["type"].(string)
	if frameType == "" {
		return nil, fmt.Errorf("frame has no type")
	}

	var frame interface {
		Frame
		validate() error
	}
	switch frameType {
	case FrameTypeUserConnect:
		frame = &UserConnectFrame{}
	case FrameTypePTT:
		frame = &PTTFrame{}
	case FrameTypeMessage:
		frame = &MessageFrame{}
	case FrameTypeStatusUpdate:
		frame = &StatusUpdateFrame{}
	default:
		return &UnknownFrame{Type: frameType, Raw: frameMap}, nil
	}
	if err := mapstructure.WeakDecode(frameMap, frame); err != nil {
		return nil, fmt.Errorf("could not decode %s frame: %w", frameType, err)
	}
	if err := frame.validate(); err != nil {
		return nil, err
	}
	return frame, nil
}
