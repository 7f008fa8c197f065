package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsyncd/internal/action"
	"mapsyncd/internal/automap"
	"mapsyncd/internal/logging"
	"mapsyncd/internal/mapdoc"
	"mapsyncd/internal/protocol"
	"mapsyncd/internal/transport"
)

func testDoc() *mapdoc.Document {
	tiles := mapdoc.NewTileLayer("ground", 8, 8)
	for i := range tiles.Tiles {
		tiles.Tiles[i] = mapdoc.Tile{Index: 1}
	}
	return &mapdoc.Document{
		Groups: []mapdoc.Group{{
			Name:   "terrain",
			Layers: []mapdoc.Layer{tiles, mapdoc.NewQuadLayer("deco")},
		}},
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *transport.PipeServer) {
	t.Helper()
	tr := transport.NewPipeServer()
	t.Cleanup(func() { tr.Close() })
	log, err := logging.New(&logging.Config{Level: logging.LevelError})
	require.NoError(t, err)
	return New(cfg, testDoc(), tr, automap.NewStore(), nil, log), tr
}

// drain collects everything currently queued on a client connection.
func drain(c *transport.PipeConn) []*protocol.Message {
	var msgs []*protocol.Message
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return msgs
			}
			if ev.Kind == transport.EventMessage {
				msgs = append(msgs, ev.Msg)
			}
		default:
			return msgs
		}
	}
}

func findMsg(t *testing.T, msgs []*protocol.Message, mt protocol.MessageType) any {
	t.Helper()
	for _, m := range msgs {
		if m.Header.Type == mt {
			payload, err := protocol.DecodePayload(m)
			require.NoError(t, err)
			return payload
		}
	}
	return nil
}

func countMsg(msgs []*protocol.Message, mt protocol.MessageType) int {
	n := 0
	for _, m := range msgs {
		if m.Header.Type == mt {
			n++
		}
	}
	return n
}

func join(t *testing.T, srv *Server, tr *transport.PipeServer, name, password string, local bool) *transport.PipeConn {
	t.Helper()
	conn := tr.Connect()
	srv.Update()
	require.NoError(t, conn.Send(protocol.MustMessage(protocol.MsgAuth, 1, &protocol.AuthMsg{
		Password: password,
		Local:    local,
		Name:     name,
	})))
	srv.Update()
	return conn
}

func tileDrawGroup(x, y uint32, index uint8, identifier string) protocol.ActionGroup {
	return protocol.ActionGroup{
		Identifier: identifier,
		Actions: []action.Action{{
			Kind: action.KindTileDraw,
			TileDraw: &action.TileDraw{
				X: x, Y: y,
				New: mapdoc.Tile{Index: index},
			},
		}},
	}
}

func submit(t *testing.T, srv *Server, conn *transport.PipeConn, g protocol.ActionGroup) {
	t.Helper()
	require.NoError(t, conn.Send(protocol.MustMessage(protocol.MsgActionGroup, 2, &protocol.ActionGroupMsg{Group: g})))
	srv.Update()
}

func TestJoinSendsSnapshotAndServerInfo(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	conn := join(t, srv, tr, "alice", "", false)

	msgs := drain(conn)
	mapMsg, _ := findMsg(t, msgs, protocol.MsgMap).(*protocol.MapMsg)
	require.NotNil(t, mapMsg, "remote join must receive the map")
	assert.NotEmpty(t, mapMsg.Document)

	info, _ := findMsg(t, msgs, protocol.MsgServerInfo).(*protocol.ServerInfoMsg)
	require.NotNil(t, info)
	assert.Equal(t, uint64(1), info.ServerID)
	assert.False(t, info.AllowsRemoteAdmin)

	roster, _ := findMsg(t, msgs, protocol.MsgInfos).(*protocol.InfosMsg)
	require.NotNil(t, roster)
	require.Len(t, roster.Clients, 1)
	assert.Equal(t, "alice", roster.Clients[0].Name)
}

func TestLocalJoinSkipsSnapshot(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	conn := join(t, srv, tr, "host", "", true)

	msgs := drain(conn)
	assert.Zero(t, countMsg(msgs, protocol.MsgMap), "local client shares the document")
	assert.NotNil(t, findMsg(t, msgs, protocol.MsgServerInfo))
}

func TestWrongPasswordKeepsConnection(t *testing.T) {
	srv, tr := newTestServer(t, Config{Password: "sesame"})
	conn := join(t, srv, tr, "alice", "nope", false)

	errMsg, _ := findMsg(t, drain(conn), protocol.MsgError).(*protocol.ErrorMsg)
	require.NotNil(t, errMsg)
	assert.Contains(t, errMsg.Text, "wrong password")

	// The connection survives and a second attempt succeeds.
	require.NoError(t, conn.Send(protocol.MustMessage(protocol.MsgAuth, 2, &protocol.AuthMsg{
		Password: "sesame", Name: "alice",
	})))
	srv.Update()
	assert.NotNil(t, findMsg(t, drain(conn), protocol.MsgServerInfo))
}

func TestServerIDsNeverReused(t *testing.T) {
	srv, tr := newTestServer(t, Config{})

	first := join(t, srv, tr, "alice", "", false)
	info, _ := findMsg(t, drain(first), protocol.MsgServerInfo).(*protocol.ServerInfoMsg)
	require.NotNil(t, info)
	assert.Equal(t, uint64(1), info.ServerID)

	first.Close()
	srv.Update()

	second := join(t, srv, tr, "bob", "", false)
	info, _ = findMsg(t, drain(second), protocol.MsgServerInfo).(*protocol.ServerInfoMsg)
	require.NotNil(t, info)
	assert.Equal(t, uint64(2), info.ServerID)
}

func TestServerFull(t *testing.T) {
	srv, tr := newTestServer(t, Config{MaxClients: 1})
	join(t, srv, tr, "alice", "", false)

	extra := tr.Connect()
	srv.Update()
	_, ok := <-extra.Events()
	assert.False(t, ok, "over-capacity connection must be closed")
}

func TestActionGroupBroadcast(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	alice := join(t, srv, tr, "alice", "", false)
	bob := join(t, srv, tr, "bob", "", false)
	drain(alice)
	drain(bob)

	submit(t, srv, alice, tileDrawGroup(3, 3, 9, ""))

	assert.Equal(t, uint8(9), srv.Document().Groups[0].Layers[0].Tiles[3*8+3].Index)

	effect, _ := findMsg(t, drain(bob), protocol.MsgRedoAction).(*protocol.ActionEffectMsg)
	require.NotNil(t, effect, "other remote clients receive the committed group")
	require.Len(t, effect.Group.Actions, 1)
	assert.NotEmpty(t, effect.UndoLabel)
	assert.Empty(t, effect.RedoLabel)

	// The submitter already applied its own edit and gets no echo.
	assert.Zero(t, countMsg(drain(alice), protocol.MsgRedoAction))
}

func TestLocalClientSkippedOnEffects(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	host := join(t, srv, tr, "host", "", true)
	alice := join(t, srv, tr, "alice", "", false)
	bob := join(t, srv, tr, "bob", "", false)
	drain(host)
	drain(alice)
	drain(bob)

	submit(t, srv, alice, tileDrawGroup(0, 0, 5, ""))

	hostMsgs := drain(host)
	assert.Zero(t, countMsg(hostMsgs, protocol.MsgRedoAction),
		"local client would double-apply a broadcast edit")
	assert.NotZero(t, countMsg(drain(bob), protocol.MsgRedoAction))
}

func TestPartialCommit(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	alice := join(t, srv, tr, "alice", "", false)
	bob := join(t, srv, tr, "bob", "", false)
	drain(alice)
	drain(bob)

	group := protocol.ActionGroup{Actions: []action.Action{
		{Kind: action.KindTileDraw, TileDraw: &action.TileDraw{X: 1, Y: 1, New: mapdoc.Tile{Index: 4}}},
		{Kind: action.KindTileDraw, TileDraw: &action.TileDraw{Group: 7, X: 0, Y: 0}},
		{Kind: action.KindTileDraw, TileDraw: &action.TileDraw{X: 2, Y: 2, New: mapdoc.Tile{Index: 4}}},
	}}
	submit(t, srv, alice, group)

	// The leading action stood, everything from the failure on is dropped.
	doc := srv.Document()
	assert.Equal(t, uint8(4), doc.Groups[0].Layers[0].Tiles[1*8+1].Index)
	assert.Equal(t, uint8(1), doc.Groups[0].Layers[0].Tiles[2*8+2].Index)

	effect, _ := findMsg(t, drain(bob), protocol.MsgRedoAction).(*protocol.ActionEffectMsg)
	require.NotNil(t, effect)
	assert.Len(t, effect.Group.Actions, 1)
	assert.NotNil(t, findMsg(t, drain(alice), protocol.MsgError),
		"the truncated remainder is reported to the submitter only")
}

func TestFullyInvalidGroupRejected(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	alice := join(t, srv, tr, "alice", "", false)
	drain(alice)

	submit(t, srv, alice, protocol.ActionGroup{Actions: []action.Action{
		{Kind: action.KindTileDraw},
	}})

	msgs := drain(alice)
	assert.NotNil(t, findMsg(t, msgs, protocol.MsgError))
	assert.Zero(t, countMsg(msgs, protocol.MsgRedoAction))
	assert.Equal(t, 0, srv.History().Len())
}

func TestUndoRedoBroadcast(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	alice := join(t, srv, tr, "alice", "", false)
	drain(alice)

	submit(t, srv, alice, tileDrawGroup(1, 1, 7, ""))
	submit(t, srv, alice, tileDrawGroup(2, 2, 7, ""))
	drain(alice)

	send := func(cmd protocol.CommandKind) {
		require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgCommand, 3, &protocol.CommandMsg{Command: cmd})))
		srv.Update()
	}

	send(protocol.CommandUndo)
	undo, _ := findMsg(t, drain(alice), protocol.MsgUndoAction).(*protocol.ActionEffectMsg)
	require.NotNil(t, undo)
	assert.Equal(t, uint8(1), srv.Document().Groups[0].Layers[0].Tiles[2*8+2].Index)

	send(protocol.CommandRedo)
	redo, _ := findMsg(t, drain(alice), protocol.MsgRedoAction).(*protocol.ActionEffectMsg)
	require.NotNil(t, redo)
	assert.Equal(t, uint8(7), srv.Document().Groups[0].Layers[0].Tiles[2*8+2].Index)
}

func TestExhaustedUndoIsSilent(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	alice := join(t, srv, tr, "alice", "", false)
	drain(alice)

	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgCommand, 3, &protocol.CommandMsg{Command: protocol.CommandUndo})))
	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgCommand, 4, &protocol.CommandMsg{Command: protocol.CommandRedo})))
	srv.Update()

	msgs := drain(alice)
	assert.Empty(t, msgs, "exhausted undo/redo is a silent no-op")
}

func TestUndoThenSubmitDiscardsRedoBranch(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	alice := join(t, srv, tr, "alice", "", false)
	drain(alice)

	submit(t, srv, alice, tileDrawGroup(1, 1, 7, ""))
	submit(t, srv, alice, tileDrawGroup(2, 2, 7, ""))
	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgCommand, 3, &protocol.CommandMsg{Command: protocol.CommandUndo})))
	srv.Update()
	submit(t, srv, alice, tileDrawGroup(3, 3, 7, ""))

	assert.Equal(t, 2, srv.History().Len())
	assert.Equal(t, 1, srv.History().Cursor())
}

func TestChatRelay(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	alice := join(t, srv, tr, "alice", "", false)
	bob := join(t, srv, tr, "bob", "", false)
	drain(alice)
	drain(bob)

	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgChat, 5, &protocol.ChatMsg{Text: "hello"})))
	srv.Update()

	relay, _ := findMsg(t, drain(bob), protocol.MsgChatRelay).(*protocol.ChatRelayMsg)
	require.NotNil(t, relay)
	assert.Equal(t, "alice", relay.From)
	assert.Equal(t, "hello", relay.Text)

	// The sender sees their own line too.
	assert.NotNil(t, findMsg(t, drain(alice), protocol.MsgChatRelay))
}

func TestClientInfoUpdatePreservesServerID(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	alice := join(t, srv, tr, "alice", "", false)
	drain(alice)

	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgClientInfo, 6, &protocol.ClientInfoMsg{
		Props: protocol.ClientProps{Name: "alice2", CursorX: 4, CursorY: 2, ServerID: 999},
	})))
	srv.Update()

	roster, _ := findMsg(t, drain(alice), protocol.MsgInfos).(*protocol.InfosMsg)
	require.NotNil(t, roster)
	require.Len(t, roster.Clients, 1)
	assert.Equal(t, "alice2", roster.Clients[0].Name)
	assert.Equal(t, uint64(1), roster.Clients[0].ServerID, "server id is server-assigned")
}

func TestAdminRejectionIsSilent(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv, tr := newTestServer(t, Config{})
		alice := join(t, srv, tr, "alice", "", false)
		drain(alice)

		require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgAdminAuth, 7, &protocol.AdminAuthMsg{Password: "anything"})))
		srv.Update()

		assert.Empty(t, drain(alice), "probing the admin surface gets no reply")
	})

	t.Run("wrong password", func(t *testing.T) {
		srv, tr := newTestServer(t, Config{AdminPassword: "root"})
		alice := join(t, srv, tr, "alice", "", false)
		drain(alice)

		require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgAdminAuth, 7, &protocol.AdminAuthMsg{Password: "bad"})))
		srv.Update()

		assert.Empty(t, drain(alice))
	})
}

func TestAdminAuthAndChangeConfig(t *testing.T) {
	srv, tr := newTestServer(t, Config{AdminPassword: "root", AutosaveInterval: 10 * time.Minute})
	alice := join(t, srv, tr, "alice", "", false)
	drain(alice)

	adminMsg := func(pw string) {
		require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgAdminAuth, 8, &protocol.AdminAuthMsg{Password: pw})))
		srv.Update()
	}

	adminMsg("bad")
	assert.Empty(t, drain(alice), "admin rejections are silent")

	adminMsg("root")
	msgs := drain(alice)
	assert.NotNil(t, findMsg(t, msgs, protocol.MsgAdminAuthed))
	state, _ := findMsg(t, msgs, protocol.MsgAdminState).(*protocol.AdminStateMsg)
	require.NotNil(t, state)
	assert.True(t, state.State.Autosave.Active)

	// Config changes re-validate the password every time.
	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgAdminChangeConfig, 9, &protocol.AdminChangeConfigMsg{
		Password: "stale",
		State:    protocol.AdminState{},
	})))
	srv.Update()
	assert.Empty(t, drain(alice), "a stale password is dropped without a reply")

	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgAdminChangeConfig, 10, &protocol.AdminChangeConfigMsg{
		Password: "root",
		State: protocol.AdminState{Autosave: protocol.AutosaveState{
			Active: true, IntervalSeconds: 30,
		}},
	})))
	srv.Update()
	state, _ = findMsg(t, drain(alice), protocol.MsgAdminState).(*protocol.AdminStateMsg)
	require.NotNil(t, state)
	assert.Equal(t, uint64(30), state.State.Autosave.IntervalSeconds)
}

func TestAdminStatePushedToAllAdmins(t *testing.T) {
	srv, tr := newTestServer(t, Config{AdminPassword: "root"})
	alice := join(t, srv, tr, "alice", "", false)
	bob := join(t, srv, tr, "bob", "", false)

	adminAuth := func(conn *transport.PipeConn) {
		require.NoError(t, conn.Send(protocol.MustMessage(protocol.MsgAdminAuth, 8, &protocol.AdminAuthMsg{Password: "root"})))
		srv.Update()
	}

	adminAuth(alice)
	drain(alice)
	drain(bob)

	// A second admin joining refreshes every admin's view of the state.
	adminAuth(bob)
	assert.NotNil(t, findMsg(t, drain(bob), protocol.MsgAdminState))
	assert.NotNil(t, findMsg(t, drain(alice), protocol.MsgAdminState))
}

func TestReplayFailureReportedToRequester(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	alice := join(t, srv, tr, "alice", "", false)
	drain(alice)

	submit(t, srv, alice, tileDrawGroup(1, 1, 7, ""))
	drain(alice)

	// A committed action that can no longer be reverted is a bug signal.
	// The requester hears about it and the session keeps serving.
	srv.Document().Groups[0].Layers = nil

	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgCommand, 3, &protocol.CommandMsg{Command: protocol.CommandUndo})))
	srv.Update()

	msgs := drain(alice)
	errMsg, _ := findMsg(t, msgs, protocol.MsgError).(*protocol.ErrorMsg)
	require.NotNil(t, errMsg)
	assert.Contains(t, errMsg.Text, "undo failed")
	assert.NotNil(t, findMsg(t, msgs, protocol.MsgUndoAction),
		"the effect broadcast still goes out past the failure")
}

func TestDbgActionGating(t *testing.T) {
	dbg := func(srv *Server, conn *transport.PipeConn) []*protocol.Message {
		require.NoError(t, conn.Send(protocol.MustMessage(protocol.MsgDbgAction, 11, &protocol.DbgActionMsg{
			Params: protocol.DbgParams{Seed: 42, Rounds: 20},
		})))
		srv.Update()
		return drain(conn)
	}

	t.Run("blocked by admin password", func(t *testing.T) {
		srv, tr := newTestServer(t, Config{AdminPassword: "root"})
		host := join(t, srv, tr, "host", "", true)
		drain(host)
		assert.NotNil(t, findMsg(t, dbg(srv, host), protocol.MsgError))
		assert.Equal(t, 0, srv.History().Len())
	})

	t.Run("blocked without local client", func(t *testing.T) {
		srv, tr := newTestServer(t, Config{})
		alice := join(t, srv, tr, "alice", "", false)
		drain(alice)
		assert.NotNil(t, findMsg(t, dbg(srv, alice), protocol.MsgError))
		assert.Equal(t, 0, srv.History().Len())
	})

	t.Run("runs when unguarded with local client", func(t *testing.T) {
		srv, tr := newTestServer(t, Config{})
		host := join(t, srv, tr, "host", "", true)
		drain(host)
		msgs := dbg(srv, host)
		assert.Nil(t, findMsg(t, msgs, protocol.MsgError))
		assert.NotZero(t, srv.History().Len(), "harness commits generated edits")
	})
}

func TestDbgActionDeterministic(t *testing.T) {
	run := func() int {
		srv, tr := newTestServer(t, Config{})
		host := join(t, srv, tr, "host", "", true)
		drain(host)
		require.NoError(t, host.Send(protocol.MustMessage(protocol.MsgDbgAction, 12, &protocol.DbgActionMsg{
			Params: protocol.DbgParams{Seed: 1234, Rounds: 50},
		})))
		srv.Update()
		return srv.History().Len()
	}
	assert.Equal(t, run(), run(), "same seed drives the same session")
}

func TestAutoMapRuleFetchHandshake(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	alice := join(t, srv, tr, "alice", "", false)
	drain(alice)

	req := protocol.AutoMapRequest{Rule: "grass", Seed: 7}
	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgAutoMap, 13, &protocol.AutoMapMsg{Request: req})))
	srv.Update()

	notFound, _ := findMsg(t, drain(alice), protocol.MsgAutoMapRuleNotFound).(*protocol.AutoMapRuleNotFoundMsg)
	require.NotNil(t, notFound, "unknown rule asks the client for the payload")
	assert.Equal(t, "grass", notFound.Request.Rule)

	// Resend with the payload attached.
	rule := &automap.Rule{Name: "grass", Entries: []automap.Entry{{Match: 1, Place: 16}}}
	payload, err := rule.Encode()
	require.NoError(t, err)
	req.RulePayload = payload
	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgAutoMap, 14, &protocol.AutoMapMsg{Request: req})))
	srv.Update()

	effect, _ := findMsg(t, drain(alice), protocol.MsgRedoAction).(*protocol.ActionEffectMsg)
	require.NotNil(t, effect)
	assert.Len(t, effect.Group.Actions, 64, "every matching tile rewritten")
	assert.Equal(t, uint8(16), srv.Document().Groups[0].Layers[0].Tiles[0].Index)

	// The rule is registered now; a later request needs no payload.
	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgAutoMap, 15, &protocol.AutoMapMsg{
		Request: protocol.AutoMapRequest{Rule: "grass"},
	})))
	srv.Update()
	assert.Zero(t, countMsg(drain(alice), protocol.MsgAutoMapRuleNotFound))
}

func TestAutoMapLiveEdit(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	alice := join(t, srv, tr, "alice", "", false)
	drain(alice)

	srv.rules.Put(&automap.Rule{Name: "grass", Entries: []automap.Entry{{Match: 3, Place: 16}}})

	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgAutoMapLiveEdit, 16, &protocol.AutoMapLiveEditMsg{
		Request: protocol.AutoMapRequest{Rule: "grass"},
		Enabled: true,
	})))
	srv.Update()

	state, _ := findMsg(t, drain(alice), protocol.MsgAutoMapLiveEditState).(*protocol.AutoMapLiveEditStateMsg)
	require.NotNil(t, state)
	assert.True(t, state.Enabled)

	// A committed edit on the layer re-runs the rule.
	submit(t, srv, alice, tileDrawGroup(4, 4, 3, ""))
	assert.Equal(t, uint8(16), srv.Document().Groups[0].Layers[0].Tiles[4*8+4].Index)

	// Disabling stops the rewrites.
	require.NoError(t, alice.Send(protocol.MustMessage(protocol.MsgAutoMapLiveEdit, 17, &protocol.AutoMapLiveEditMsg{
		Request: protocol.AutoMapRequest{Rule: "grass"},
		Enabled: false,
	})))
	srv.Update()
	drain(alice)

	submit(t, srv, alice, tileDrawGroup(5, 5, 3, ""))
	assert.Equal(t, uint8(3), srv.Document().Groups[0].Layers[0].Tiles[5*8+5].Index)
}

func TestMessageBeforeAuthDisconnects(t *testing.T) {
	srv, tr := newTestServer(t, Config{})
	conn := tr.Connect()
	srv.Update()

	require.NoError(t, conn.Send(protocol.MustMessage(protocol.MsgChat, 18, &protocol.ChatMsg{Text: "hi"})))
	srv.Update()

	for {
		ev, ok := <-conn.Events()
		if !ok {
			return
		}
		assert.NotEqual(t, transport.EventMessage, ev.Kind)
	}
}
