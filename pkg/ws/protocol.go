package ws

import (
	"encoding/json"
)

// 事件名
const (
	EventJoin        = "join"
	EventSendMsg     = "sendMsg"
	EventAck         = "ack"
	EventChatHistory = "chatHistory"
	EventMessage     = "message"
)

// Envelope 双向通用帧 {"event", "data", "ack"}。ack 为 0 表示不需要回执
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   int64           `json:"ack,omitempty"`
}

// JoinPayload join 事件的数据
type JoinPayload struct {
	Name           string `json:"name"`
	ExternalAuthID string `json:"externalAuthId,omitempty"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
	Email          string `json:"email,omitempty"`
}

// ChatMessage message 事件的数据。系统通知带 IsEphemeral 与 TargetID，
// 客户端据此只给目标用户展示欢迎语，并忽略关于自己的进出通知
type ChatMessage struct {
	User        string `json:"user"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Text        string `json:"text"`
	IsEphemeral bool   `json:"isEphemeral,omitempty"`
	TargetID    string `json:"targetId,omitempty"`
}

// AckPayload join 回执
type AckPayload struct {
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// JoinFailedMessage 加入失败时回给客户端的文案
const JoinFailedMessage = "Could not join chat"

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	Ack   int64  `json:"ack,omitempty"`
}

func encodeFrame(event string, data any, ack int64) ([]byte, error) {
	return json.Marshal(outFrame{Event: event, Data: data, Ack: ack})
}
