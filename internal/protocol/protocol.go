// Package protocol defines the wire protocol between editor clients and
// the authority server.
//
// Every message is a fixed 16-byte header followed by a JSON payload:
// magic, version, message type, request id for correlation, payload
// length. The framing is transport-agnostic; the transports only move
// opaque frames.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4d53594e // "MSYN"
)

// MessageType identifies the type of a wire message.
type MessageType uint16

const (
	// Client -> server intents (0x01xx)
	MsgAuth              MessageType = 0x0100
	MsgActionGroup       MessageType = 0x0101
	MsgCommand           MessageType = 0x0102
	MsgClientInfo        MessageType = 0x0103
	MsgChat              MessageType = 0x0104
	MsgAdminAuth         MessageType = 0x0105
	MsgAdminChangeConfig MessageType = 0x0106
	MsgDbgAction         MessageType = 0x0107
	MsgAutoMap           MessageType = 0x0108
	MsgAutoMapLiveEdit   MessageType = 0x0109

	// Server -> client effects (0x02xx)
	MsgRedoAction                  MessageType = 0x0200
	MsgUndoAction                  MessageType = 0x0201
	MsgError                       MessageType = 0x0202
	MsgMap                         MessageType = 0x0203
	MsgInfos                       MessageType = 0x0204
	MsgServerInfo                  MessageType = 0x0205
	MsgChatRelay                   MessageType = 0x0206
	MsgAdminAuthed                 MessageType = 0x0207
	MsgAdminState                  MessageType = 0x0208
	MsgAutoMapRuleNotFound         MessageType = 0x0209
	MsgAutoMapRuleLiveEditNotFound MessageType = 0x020a
	MsgAutoMapLiveEditState        MessageType = 0x020b
)

func (t MessageType) String() string {
	switch t {
	case MsgAuth:
		return "Auth"
	case MsgActionGroup:
		return "ActionGroup"
	case MsgCommand:
		return "Command"
	case MsgClientInfo:
		return "ClientInfo"
	case MsgChat:
		return "Chat"
	case MsgAdminAuth:
		return "AdminAuth"
	case MsgAdminChangeConfig:
		return "AdminChangeConfig"
	case MsgDbgAction:
		return "DbgAction"
	case MsgAutoMap:
		return "AutoMap"
	case MsgAutoMapLiveEdit:
		return "AutoMapLiveEdit"
	case MsgRedoAction:
		return "RedoAction"
	case MsgUndoAction:
		return "UndoAction"
	case MsgError:
		return "Error"
	case MsgMap:
		return "Map"
	case MsgInfos:
		return "Infos"
	case MsgServerInfo:
		return "ServerInfo"
	case MsgChatRelay:
		return "ChatRelay"
	case MsgAdminAuthed:
		return "AdminAuthed"
	case MsgAdminState:
		return "AdminState"
	case MsgAutoMapRuleNotFound:
		return "AutoMapRuleNotFound"
	case MsgAutoMapRuleLiveEditNotFound:
		return "AutoMapRuleLiveEditNotFound"
	case MsgAutoMapLiveEditState:
		return "AutoMapLiveEditState"
	}
	return fmt.Sprintf("MessageType(0x%04x)", uint16(t))
}

// Header is the fixed-size message header.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// MaxPayloadSize caps a single message payload. Full map transfers are the
// largest messages on the wire.
const MaxPayloadSize = 64 * 1024 * 1024

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type and raw payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header from a reader.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to a writer.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Marshal encodes the message to a single byte slice (for frame-oriented
// transports like websockets).
func (m *Message) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(m.Payload))
	if err := m.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a message from a single byte slice.
func Unmarshal(data []byte) (*Message, error) {
	return ReadMessage(bytes.NewReader(data))
}

// Encode encodes a payload value to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes into a payload value.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewResponse creates a message carrying the JSON encoding of v.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

// MustMessage is NewResponse for payloads that cannot fail to encode.
func MustMessage(msgType MessageType, requestID uint32, v any) *Message {
	m, err := NewResponse(msgType, requestID, v)
	if err != nil {
		panic(err)
	}
	return m
}

// NewErrorMessage creates an Error message.
func NewErrorMessage(requestID uint32, text string) *Message {
	return MustMessage(MsgError, requestID, &ErrorMsg{Text: text})
}
