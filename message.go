package livesync

import (
	"encoding/json"
	"fmt"
)

// wire message envelope
// every frame is a flat json object with a `type` discriminator

type MessageType string

const (
	// outgoing
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
	MessageTypeMutation     MessageType = "mutation"
	MessageTypeAction       MessageType = "action"
	MessageTypeAuthenticate MessageType = "authenticate"
	MessageTypePing         MessageType = "ping"

	// incoming
	MessageTypeUpdate         MessageType = "update"
	MessageTypeError          MessageType = "error"
	MessageTypeMutationResult MessageType = "mutationResult"
	MessageTypeMutationError  MessageType = "mutationError"
	MessageTypeActionResult   MessageType = "actionResult"
	MessageTypeActionError    MessageType = "actionError"
	MessageTypeSubscribed     MessageType = "subscribed"
	MessageTypeAuthenticated  MessageType = "authenticated"
	MessageTypePong           MessageType = "pong"
)

type Message struct {
	Type MessageType `json:"type"`

	SubscriptionId *Id `json:"subscriptionId,omitempty"`
	RequestId      *Id `json:"requestId,omitempty"`

	QueryPath    string `json:"queryPath,omitempty"`
	MutationPath string `json:"mutationPath,omitempty"`
	ActionPath   string `json:"actionPath,omitempty"`

	Args   json.RawMessage `json:"args,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	Token string `json:"token,omitempty"`

	// error frames
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

func NewSubscribeMessage(subscriptionId Id, queryPath string, args json.RawMessage) *Message {
	return &Message{
		Type:           MessageTypeSubscribe,
		SubscriptionId: &subscriptionId,
		QueryPath:      queryPath,
		Args:           args,
	}
}

func NewUnsubscribeMessage(subscriptionId Id) *Message {
	return &Message{
		Type:           MessageTypeUnsubscribe,
		SubscriptionId: &subscriptionId,
	}
}

func NewMutationMessage(requestId Id, mutationPath string, args json.RawMessage) *Message {
	return &Message{
		Type:         MessageTypeMutation,
		RequestId:    &requestId,
		MutationPath: mutationPath,
		Args:         args,
	}
}

func NewActionMessage(requestId Id, actionPath string, args json.RawMessage) *Message {
	return &Message{
		Type:       MessageTypeAction,
		RequestId:  &requestId,
		ActionPath: actionPath,
		Args:       args,
	}
}

func NewAuthenticateMessage(token string) *Message {
	return &Message{
		Type:  MessageTypeAuthenticate,
		Token: token,
	}
}

func NewPingMessage() *Message {
	return &Message{
		Type: MessageTypePing,
	}
}

func EncodeMessage(message *Message) ([]byte, error) {
	if message.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return json.Marshal(message)
}

func DecodeMessage(b []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	if message.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return message, nil
}

// whether the type is one the client consumes
// unknown types are dropped by the receiver, never fatal
func KnownIncomingMessageType(messageType MessageType) bool {
	switch messageType {
	case MessageTypeUpdate,
		MessageTypeError,
		MessageTypeMutationResult,
		MessageTypeMutationError,
		MessageTypeActionResult,
		MessageTypeActionError,
		MessageTypeSubscribed,
		MessageTypeAuthenticated,
		MessageTypePong:
		return true
	default:
		return false
	}
}
