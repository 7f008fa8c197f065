package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsyncd/internal/action"
	"mapsyncd/internal/mapdoc"
)

func TestMessage_StreamRoundTrip(t *testing.T) {
	msg := MustMessage(MsgChat, 7, &ChatMsg{Text: "hello"})

	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgChat, got.Header.Type)
	assert.Equal(t, uint32(7), got.Header.RequestID)

	var chat ChatMsg
	require.NoError(t, Decode(got.Payload, &chat))
	assert.Equal(t, "hello", chat.Text)
}

func TestMessage_FrameRoundTrip(t *testing.T) {
	msg := NewErrorMessage(3, "wrong password")

	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, MsgError, got.Header.Type)

	payload, err := DecodePayload(got)
	require.NoError(t, err)
	assert.Equal(t, "wrong password", payload.(*ErrorMsg).Text)
}

func TestReadHeader_Rejections(t *testing.T) {
	valid, err := MustMessage(MsgChat, 0, &ChatMsg{Text: "x"}).Marshal()
	require.NoError(t, err)

	t.Run("bad magic", func(t *testing.T) {
		data := append([]byte{}, valid...)
		data[0] = 0xff
		_, err := Unmarshal(data)
		assert.ErrorContains(t, err, "invalid magic")
	})

	t.Run("future version", func(t *testing.T) {
		data := append([]byte{}, valid...)
		data[4] = ProtocolVersion + 1
		_, err := Unmarshal(data)
		assert.ErrorContains(t, err, "unsupported protocol version")
	})

	t.Run("oversized payload", func(t *testing.T) {
		data := append([]byte{}, valid[:HeaderSize]...)
		data[12], data[13], data[14], data[15] = 0xff, 0xff, 0xff, 0xff
		_, err := Unmarshal(data)
		assert.ErrorContains(t, err, "payload too large")
	})

	t.Run("truncated payload", func(t *testing.T) {
		_, err := Unmarshal(valid[:len(valid)-1])
		assert.Error(t, err)
	})
}

func TestDecodePayload_AllTypes(t *testing.T) {
	group := ActionGroup{
		Identifier: "move-quad-5",
		Actions: []action.Action{
			{Kind: action.KindQuadMove, QuadMove: &action.QuadMove{Index: 5}},
		},
	}

	tests := []struct {
		msgType MessageType
		payload any
	}{
		{MsgAuth, &AuthMsg{Password: "pw", Local: true, Name: "jo", Color: mapdoc.Color{R: 1}}},
		{MsgActionGroup, &ActionGroupMsg{Group: group}},
		{MsgCommand, &CommandMsg{Command: CommandUndo}},
		{MsgClientInfo, &ClientInfoMsg{Props: ClientProps{Name: "jo", CursorX: 1.5}}},
		{MsgChat, &ChatMsg{Text: "hi"}},
		{MsgAdminAuth, &AdminAuthMsg{Password: "adm"}},
		{MsgAdminChangeConfig, &AdminChangeConfigMsg{Password: "adm", State: AdminState{Autosave: AutosaveState{Active: true, IntervalSeconds: 60}}}},
		{MsgDbgAction, &DbgActionMsg{Params: DbgParams{Rounds: 3, InvalidPercent: 25}}},
		{MsgAutoMap, &AutoMapMsg{Request: AutoMapRequest{Rule: "grass", Group: 1}}},
		{MsgAutoMapLiveEdit, &AutoMapLiveEditMsg{Request: AutoMapRequest{Rule: "grass"}, Enabled: true}},
		{MsgRedoAction, &ActionEffectMsg{Group: group, RedoLabel: "redo move quad"}},
		{MsgUndoAction, &ActionEffectMsg{Group: group, UndoLabel: "undo move quad"}},
		{MsgError, &ErrorMsg{Text: "nope"}},
		{MsgMap, &MapMsg{Document: []byte{1, 2, 3}, Resources: []mapdoc.Resource{{Name: "a", Data: []byte{4}}}}},
		{MsgInfos, &InfosMsg{Clients: []ClientProps{{Name: "jo", ServerID: 2}}}},
		{MsgServerInfo, &ServerInfoMsg{ServerID: 2, AllowsRemoteAdmin: true}},
		{MsgChatRelay, &ChatRelayMsg{From: "jo", Text: "hi"}},
		{MsgAdminAuthed, &AdminAuthedMsg{}},
		{MsgAdminState, &AdminStateMsg{State: AdminState{Autosave: AutosaveState{Active: true}}}},
		{MsgAutoMapRuleNotFound, &AutoMapRuleNotFoundMsg{Request: AutoMapRequest{Rule: "grass"}}},
		{MsgAutoMapRuleLiveEditNotFound, &AutoMapRuleLiveEditNotFoundMsg{Request: AutoMapRequest{Rule: "grass"}, Enabled: true}},
		{MsgAutoMapLiveEditState, &AutoMapLiveEditStateMsg{Group: 1, Layer: 2, Enabled: true}},
	}

	for _, tc := range tests {
		t.Run(tc.msgType.String(), func(t *testing.T) {
			msg, err := NewResponse(tc.msgType, 1, tc.payload)
			require.NoError(t, err)

			got, err := DecodePayload(msg)
			require.NoError(t, err)
			assert.Equal(t, tc.payload, got)
		})
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	msg := NewMessage(MessageType(0x7fff), 0, nil)
	_, err := DecodePayload(msg)
	assert.ErrorContains(t, err, "unknown message type")
}
