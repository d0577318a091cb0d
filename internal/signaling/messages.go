package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

const (
	// Client to server.
	MessageTypeAuthenticate MessageType = "authenticate"
	MessageTypeJoin         MessageType = "join-video-room"

	// Both directions. The server stamps the sender before forwarding.
	MessageTypeSignal MessageType = "signal"

	// Server to client.
	MessageTypeExistingUsers    MessageType = "existing-users"
	MessageTypeUserConnected    MessageType = "user-connected"
	MessageTypeUserDisconnected MessageType = "user-disconnected"
	MessageTypeError            MessageType = "error"
)

// Message is the signaling wire envelope. One struct covers every event so
// clients and server share a single codec; validate() pins down which fields
// each type may carry.
//
// Signal is opaque to the server: it is routed by TargetUserID and forwarded
// byte for byte, never parsed.
type Message struct {
	Type MessageType `json:"type"`

	// UserID is the client-chosen identity on authenticate (honored only in
	// auth modes whose credential names no user) and the subject of
	// user-connected/user-disconnected and forwarded signal events.
	UserID string `json:"userId,omitempty"`

	Token  string `json:"token,omitempty"`
	APIKey string `json:"apiKey,omitempty"`

	RoomID string `json:"roomId,omitempty"`

	TargetUserID string          `json:"targetUserId,omitempty"`
	Signal       json.RawMessage `json:"signal,omitempty"`

	UserIDs []string `json:"userIds,omitempty"`

	Message string `json:"message,omitempty"`
}

// ParseClientMessage decodes and strictly validates a message received from
// a client. Unknown fields, trailing data, and server-only event types are
// all rejected.
func ParseClientMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.validateClient(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) validateClient() error {
	switch m.Type {
	case MessageTypeAuthenticate:
		if m.RoomID != "" || m.TargetUserID != "" || m.Signal != nil || len(m.UserIDs) > 0 || m.Message != "" {
			return fmt.Errorf("authenticate message has unexpected fields")
		}
	case MessageTypeJoin:
		if m.RoomID == "" {
			return fmt.Errorf("join message missing roomId")
		}
		if m.UserID != "" || m.Token != "" || m.APIKey != "" || m.TargetUserID != "" || m.Signal != nil || len(m.UserIDs) > 0 || m.Message != "" {
			return fmt.Errorf("join message has unexpected fields")
		}
	case MessageTypeSignal:
		if m.TargetUserID == "" {
			return fmt.Errorf("signal message missing targetUserId")
		}
		if len(m.Signal) == 0 {
			return fmt.Errorf("signal message missing signal payload")
		}
		if m.UserID != "" || m.Token != "" || m.APIKey != "" || m.RoomID != "" || len(m.UserIDs) > 0 || m.Message != "" {
			return fmt.Errorf("signal message has unexpected fields")
		}
	case MessageTypeExistingUsers, MessageTypeUserConnected, MessageTypeUserDisconnected, MessageTypeError:
		return fmt.Errorf("message type %q is server-to-client only", m.Type)
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func existingUsersMessage(userIDs []string) Message {
	if userIDs == nil {
		userIDs = []string{}
	}
	return Message{Type: MessageTypeExistingUsers, UserIDs: userIDs}
}

func userConnectedMessage(userID string) Message {
	return Message{Type: MessageTypeUserConnected, UserID: userID}
}

func userDisconnectedMessage(userID string) Message {
	return Message{Type: MessageTypeUserDisconnected, UserID: userID}
}

func signalMessage(fromUserID, targetUserID string, payload json.RawMessage) Message {
	return Message{
		Type:         MessageTypeSignal,
		UserID:       fromUserID,
		TargetUserID: targetUserID,
		Signal:       payload,
	}
}

func errorMessage(text string) Message {
	return Message{Type: MessageTypeError, Message: text}
}
