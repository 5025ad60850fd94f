package ws

import "encoding/json"

// Frame type tags shared with the browser client.
const (
	MsgCodeUpdate   = "CODE_UPDATE"
	MsgTypingUpdate = "TYPING_UPDATE"
	MsgUserUpdate   = "USER_UPDATE"
)

// SystemSender is the sender name on server-originated code pushes.
const SystemSender = "System"

// PresenceEntry is one row of the merged online/offline/typing list sent
// in USER_UPDATE frames.
type PresenceEntry struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
	Typing   bool   `json:"typing"`
}

type codeUpdate struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Sender string `json:"sender"`
}

type userUpdate struct {
	Type  string          `json:"type"`
	Users []PresenceEntry `json:"users"`
}

type frameKind int

const (
	frameRawCode frameKind = iota
	frameCode
	frameTyping
	frameRefresh
	frameUnknown
)

type inboundFrame struct {
	kind    frameKind
	code    string
	typing  bool
	msgType string
}

type envelope struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Typing bool   `json:"typing"`
}

// classify decodes an inbound text frame once. Anything that does not
// parse as a tagged envelope is treated as a raw code update.
func classify(raw []byte) inboundFrame {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return inboundFrame{kind: frameRawCode, code: string(raw)}
	}

	switch env.Type {
	case MsgCodeUpdate:
		return inboundFrame{kind: frameCode, code: env.Code}
	case MsgTypingUpdate:
		return inboundFrame{kind: frameTyping, typing: env.Typing}
	case MsgUserUpdate:
		return inboundFrame{kind: frameRefresh}
	default:
		return inboundFrame{kind: frameUnknown, msgType: env.Type}
	}
}
