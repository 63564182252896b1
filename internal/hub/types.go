package hub

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/camarasama/instant-class-chat/internal/model"
)

// Client-to-server frame kinds.
const (
	FrameJoinChannel  = "join_channel"
	FrameLeaveChannel = "leave_channel"
	FrameSendMessage  = "send_message"
	FrameTypingStart  = "typing_start"
	FrameTypingStop   = "typing_stop"
)

// Server-to-client frame kinds.
const (
	FrameNewMessage   = "new_message"
	FrameUserJoined   = "user_joined"
	FrameUserLeft     = "user_left"
	FrameTyping       = "typing"
	FrameMessageError = "message_error"
	FrameError        = "error"
)

// Frame is the JSON envelope exchanged over the socket.
type Frame struct {
	Type      string         `json:"type"`
	ChannelID string         `json:"channelId,omitempty"`
	Text      string         `json:"text,omitempty"`
	FileURL   string         `json:"fileUrl,omitempty"`
	ReplyTo   string         `json:"replyTo,omitempty"`
	Message   *model.Message `json:"message,omitempty"`
	User      *model.Profile `json:"user,omitempty"`
	Active    bool           `json:"active,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// MarshalFrame encodes a frame, panicking never: an unencodable frame is a
// programming error and is logged and dropped instead.
func MarshalFrame(frame Frame) []byte {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Printf("hub: frame marshal failed: %v", err)
		return nil
	}
	return payload
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
