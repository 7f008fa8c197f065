// Package client maintains a mirror of the server's document. The mirror
// applies its own edits optimistically, replays broadcast effects from
// other editors, and caches the session metadata the editor UI shows:
// roster, chat, history labels, link health.
package client

import (
	"fmt"
	"time"

	"mapsyncd/internal/action"
	"mapsyncd/internal/automap"
	"mapsyncd/internal/logging"
	"mapsyncd/internal/mapdoc"
	"mapsyncd/internal/protocol"
	"mapsyncd/internal/transport"
)

const (
	// ChatRingSize bounds the kept chat backlog.
	ChatRingSize = 30

	// watchdogTimeout is how long without a fresh keep-alive id before
	// the link counts as likely dead. Advisory only; nothing disconnects.
	watchdogTimeout = 6 * time.Second
)

// ChatLine is one entry of the chat backlog. Empty From marks a server
// notice.
type ChatLine struct {
	From string
	Text string
}

// Mirror is the client-side session state. Not safe for concurrent use;
// everything runs inside Update calls from the editor's own loop.
type Mirror struct {
	log   *logging.Logger
	conn  transport.Conn
	local bool

	doc   *mapdoc.Document
	model *action.Model

	rules *automap.Store

	authed            bool
	disconnected      bool
	serverID          uint64
	allowsRemoteAdmin bool
	admin             bool
	adminState        protocol.AdminState

	roster    []protocol.ClientProps
	chat      []ChatLine
	undoLabel string
	redoLabel string
	lastError string

	liveEdits map[[2]int]bool

	keepAliveID uint64
	keepAliveAt time.Time
	pingMs      uint32

	// Events held over from a drain cut short at a Map boundary.
	pending []transport.Event

	nextRequest uint32
	now         func() time.Time
}

// New creates a mirror over an established connection. rules is the
// local rule library consulted for the rule-fetch handshake; nil means
// no local rules.
func New(conn transport.Conn, rules *automap.Store, log *logging.Logger) *Mirror {
	return &Mirror{
		log:       log,
		conn:      conn,
		doc:       &mapdoc.Document{},
		rules:     rules,
		liveEdits: make(map[[2]int]bool),
		now:       time.Now,
	}
}

// NewLocal creates a mirror for a co-located editor sharing the
// authoritative document. The mirror never replays effect broadcasts;
// the document it points at is mutated by the server directly.
func NewLocal(conn transport.Conn, doc *mapdoc.Document, rules *automap.Store, log *logging.Logger) *Mirror {
	m := New(conn, rules, log)
	m.local = true
	m.doc = doc
	return m
}

// Join sends the auth handshake.
func (m *Mirror) Join(password, name string, color mapdoc.Color) error {
	return m.send(protocol.MsgAuth, &protocol.AuthMsg{
		Password: password,
		Local:    m.local,
		Name:     name,
		Color:    color,
	})
}

// Document returns the mirrored document.
func (m *Mirror) Document() *mapdoc.Document { return m.doc }

// Authed reports whether the join handshake completed.
func (m *Mirror) Authed() bool { return m.authed }

// Disconnected reports whether the server closed the connection.
func (m *Mirror) Disconnected() bool { return m.disconnected }

// ServerID returns the server-assigned session id.
func (m *Mirror) ServerID() uint64 { return m.serverID }

// AllowsRemoteAdmin reports whether the server accepts AdminAuth.
func (m *Mirror) AllowsRemoteAdmin() bool { return m.allowsRemoteAdmin }

// Admin reports whether admin rights were granted.
func (m *Mirror) Admin() bool { return m.admin }

// AdminState returns the last pushed admin state.
func (m *Mirror) AdminState() protocol.AdminState { return m.adminState }

// Roster returns the last broadcast roster.
func (m *Mirror) Roster() []protocol.ClientProps { return m.roster }

// Chat returns the chat backlog, oldest first.
func (m *Mirror) Chat() []ChatLine { return m.chat }

// UndoLabel returns the cached label for the next undo.
func (m *Mirror) UndoLabel() string { return m.undoLabel }

// RedoLabel returns the cached label for the next redo.
func (m *Mirror) RedoLabel() string { return m.redoLabel }

// LastError returns the most recent server error reply.
func (m *Mirror) LastError() string { return m.lastError }

// PingMs returns the last sampled round trip time.
func (m *Mirror) PingMs() uint32 { return m.pingMs }

// LiveEditEnabled reports the broadcast live-edit state for a layer.
func (m *Mirror) LiveEditEnabled(group, layer int) bool {
	return m.liveEdits[[2]int{group, layer}]
}

// LikelyDead reports whether the keep-alive id has been stale for longer
// than the watchdog window. Advisory: the UI warns, nothing disconnects.
func (m *Mirror) LikelyDead() bool {
	if m.keepAliveAt.IsZero() {
		return false
	}
	return m.now().Sub(m.keepAliveAt) > watchdogTimeout
}

// Update drains buffered inbound events in order. A full document
// overwrite encountered mid-drain cuts the tick short: the overwrite and
// everything after it wait for the next tick instead of being applied
// around a document about to be replaced.
func (m *Mirror) Update() {
	queue := m.pending
	m.pending = nil

drain:
	for {
		select {
		case ev, ok := <-m.conn.Events():
			if !ok {
				m.disconnected = true
				break drain
			}
			queue = append(queue, ev)
		default:
			break drain
		}
	}

	for i, ev := range queue {
		if i > 0 && isMapOverwrite(ev) {
			m.pending = append(m.pending, queue[i:]...)
			return
		}
		m.handleEvent(ev)
	}
}

func isMapOverwrite(ev transport.Event) bool {
	return ev.Kind == transport.EventMessage && ev.Msg.Header.Type == protocol.MsgMap
}

func (m *Mirror) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventDisconnect:
		m.disconnected = true
	case transport.EventStats:
		if ev.KeepAliveID != m.keepAliveID || m.keepAliveAt.IsZero() {
			m.keepAliveID = ev.KeepAliveID
			m.keepAliveAt = m.now()
		}
		m.pingMs = ev.PingMs
	case transport.EventMessage:
		m.handleMessage(ev.Msg)
	}
}

func (m *Mirror) handleMessage(msg *protocol.Message) {
	payload, err := protocol.DecodePayload(msg)
	if err != nil {
		m.log.Warn("undecodable message", "err", err)
		return
	}

	switch p := payload.(type) {
	case *protocol.MapMsg:
		m.applyMap(p)
	case *protocol.ServerInfoMsg:
		m.authed = true
		m.serverID = p.ServerID
		m.allowsRemoteAdmin = p.AllowsRemoteAdmin
	case *protocol.ActionEffectMsg:
		m.applyEffect(msg.Header.Type, p)
	case *protocol.InfosMsg:
		m.roster = p.Clients
	case *protocol.ChatRelayMsg:
		m.pushChat(ChatLine{From: p.From, Text: p.Text})
	case *protocol.ErrorMsg:
		m.lastError = p.Text
		m.log.Warn("server error", "text", p.Text)
	case *protocol.AdminAuthedMsg:
		m.admin = true
	case *protocol.AdminStateMsg:
		m.adminState = p.State
	case *protocol.AutoMapRuleNotFoundMsg:
		m.resendRule(p.Request, nil)
	case *protocol.AutoMapRuleLiveEditNotFoundMsg:
		m.resendRule(p.Request, &p.Enabled)
	case *protocol.AutoMapLiveEditStateMsg:
		if p.Enabled {
			m.liveEdits[[2]int{p.Group, p.Layer}] = true
		} else {
			delete(m.liveEdits, [2]int{p.Group, p.Layer})
		}
	default:
		m.log.Warn("unexpected message", "type", msg.Header.Type.String())
	}
}

func (m *Mirror) applyMap(p *protocol.MapMsg) {
	doc, err := mapdoc.Read(p.Document)
	if err != nil {
		m.log.Error("map decode failed", "err", err)
		return
	}
	doc.Resources = p.Resources
	m.doc = doc
	m.model = action.NewModel(doc)
	m.undoLabel, m.redoLabel = "", ""
}

// applyEffect replays a broadcast edit. Local mirrors skip the replay:
// their document is the authoritative one and the edit is already in it.
func (m *Mirror) applyEffect(t protocol.MessageType, p *protocol.ActionEffectMsg) {
	m.undoLabel = p.UndoLabel
	m.redoLabel = p.RedoLabel
	if m.local {
		return
	}
	if m.model == nil {
		m.model = action.NewModel(m.doc)
	}

	switch t {
	case protocol.MsgRedoAction:
		for i := range p.Group.Actions {
			if err := m.model.Redo(&p.Group.Actions[i]); err != nil {
				m.log.Error("mirror replay failed", "err", err)
			}
		}
	case protocol.MsgUndoAction:
		for i := len(p.Group.Actions) - 1; i >= 0; i-- {
			if err := m.model.Undo(&p.Group.Actions[i]); err != nil {
				m.log.Error("mirror replay failed", "err", err)
			}
		}
	}
}

func (m *Mirror) pushChat(line ChatLine) {
	m.chat = append(m.chat, line)
	if len(m.chat) > ChatRingSize {
		m.chat = m.chat[len(m.chat)-ChatRingSize:]
	}
}

// resendRule answers a rule-not-found reply by attaching the payload
// from the local rule library and retrying. enabled nil means the plain
// automap request, non-nil the live-edit variant.
func (m *Mirror) resendRule(req protocol.AutoMapRequest, enabled *bool) {
	if m.rules == nil {
		m.log.Warn("server asked for unknown rule", "rule", req.Rule)
		return
	}
	rule, ok := m.rules.Lookup(req.Rule)
	if !ok {
		m.log.Warn("server asked for unknown rule", "rule", req.Rule)
		return
	}
	payload, err := rule.Encode()
	if err != nil {
		m.log.Error("rule encode failed", "rule", req.Rule, "err", err)
		return
	}
	req.RulePayload = payload

	if enabled != nil {
		if err := m.SendAutoMapLiveEdit(req, *enabled); err != nil {
			m.log.Warn("rule resend failed", "rule", req.Rule, "err", err)
		}
		return
	}
	if err := m.SendAutoMap(req); err != nil {
		m.log.Warn("rule resend failed", "rule", req.Rule, "err", err)
	}
}

// SendAction applies a group optimistically and submits it. The local
// application mirrors the no-echo contract: the server broadcasts the
// committed group to everyone else.
func (m *Mirror) SendAction(g protocol.ActionGroup) error {
	if m.model == nil {
		m.model = action.NewModel(m.doc)
	}
	normalized := make([]action.Action, 0, len(g.Actions))
	for i := range g.Actions {
		a, err := m.model.Do(&g.Actions[i])
		if err != nil {
			// Roll the optimistic prefix back; nothing is sent.
			for j := len(normalized) - 1; j >= 0; j-- {
				if uerr := m.model.Undo(&normalized[j]); uerr != nil {
					m.log.Error("optimistic rollback failed", "err", uerr)
				}
			}
			return fmt.Errorf("action %d rejected locally: %w", i, err)
		}
		normalized = append(normalized, *a)
	}
	return m.send(protocol.MsgActionGroup, &protocol.ActionGroupMsg{
		Group: protocol.ActionGroup{Actions: normalized, Identifier: g.Identifier},
	})
}

// SendCommand requests an undo or redo. The resulting effect arrives as
// a broadcast.
func (m *Mirror) SendCommand(cmd protocol.CommandKind) error {
	return m.send(protocol.MsgCommand, &protocol.CommandMsg{Command: cmd})
}

// SendChat sends a chat line.
func (m *Mirror) SendChat(text string) error {
	return m.send(protocol.MsgChat, &protocol.ChatMsg{Text: text})
}

// SendInfo updates the sender's roster properties.
func (m *Mirror) SendInfo(props protocol.ClientProps) error {
	return m.send(protocol.MsgClientInfo, &protocol.ClientInfoMsg{Props: props})
}

// SendAdminAuth requests admin rights.
func (m *Mirror) SendAdminAuth(password string) error {
	return m.send(protocol.MsgAdminAuth, &protocol.AdminAuthMsg{Password: password})
}

// SendAdminChangeConfig changes the admin state.
func (m *Mirror) SendAdminChangeConfig(password string, state protocol.AdminState) error {
	return m.send(protocol.MsgAdminChangeConfig, &protocol.AdminChangeConfigMsg{
		Password: password,
		State:    state,
	})
}

// SendAutoMap requests an auto-map run.
func (m *Mirror) SendAutoMap(req protocol.AutoMapRequest) error {
	return m.send(protocol.MsgAutoMap, &protocol.AutoMapMsg{Request: req})
}

// SendAutoMapLiveEdit toggles live auto-mapping for a layer.
func (m *Mirror) SendAutoMapLiveEdit(req protocol.AutoMapRequest, enabled bool) error {
	return m.send(protocol.MsgAutoMapLiveEdit, &protocol.AutoMapLiveEditMsg{
		Request: req,
		Enabled: enabled,
	})
}

// SendDbgAction triggers the server's debug harness.
func (m *Mirror) SendDbgAction(params protocol.DbgParams) error {
	return m.send(protocol.MsgDbgAction, &protocol.DbgActionMsg{Params: params})
}

func (m *Mirror) send(t protocol.MessageType, v any) error {
	m.nextRequest++
	msg, err := protocol.NewResponse(t, m.nextRequest, v)
	if err != nil {
		return err
	}
	return m.conn.Send(msg)
}
