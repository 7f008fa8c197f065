// Package server implements the authoritative side of a map editing
// session. All mutation flows through one update loop: transport events
// are drained in order, every accepted edit is applied to the single
// authoritative document, recorded in the shared history, and broadcast
// to the mirrors.
package server

import (
	"fmt"
	"time"

	"mapsyncd/internal/action"
	"mapsyncd/internal/auth"
	"mapsyncd/internal/automap"
	"mapsyncd/internal/history"
	"mapsyncd/internal/logging"
	"mapsyncd/internal/mapdoc"
	"mapsyncd/internal/protocol"
	"mapsyncd/internal/store"
	"mapsyncd/internal/transport"
)

// Config holds the server's runtime settings.
type Config struct {
	// Password gates editing sessions. Empty means open access.
	Password string

	// AdminPassword gates the admin subsystem. Empty disables remote
	// administration.
	AdminPassword string

	// MapName names the session's map, used for snapshots.
	MapName string

	// MaxClients caps concurrent connections. Zero means unlimited.
	MaxClients int

	// AutosaveInterval between snapshots. Zero disables autosave.
	AutosaveInterval time.Duration

	// AutosaveKeep is how many snapshots to retain.
	AutosaveKeep int

	// DbgDefaults are the debug harness knobs used for zero-valued
	// request parameters. Zero fields fall back to built-in defaults.
	DbgDefaults protocol.DbgParams
}

// clientRecord tracks one connection's session state.
type clientRecord struct {
	id            transport.ConnID
	authenticated bool
	admin         bool
	local         bool
	props         protocol.ClientProps
}

type liveEdit struct {
	rule string
	seed uint64
}

// Server owns the authoritative document. Not safe for concurrent use;
// everything runs inside Update calls from one goroutine.
type Server struct {
	log *logging.Logger
	tr  transport.Server
	cfg Config

	doc   *mapdoc.Document
	model *action.Model
	hist  *history.History

	rules *automap.Store
	snaps *store.Store

	clients      map[transport.ConnID]*clientRecord
	nextServerID uint64

	dirty        bool
	adminState   protocol.AdminState
	liveEdits    map[[2]int]liveEdit
	lastAutosave time.Time
}

// New creates a server around an existing document. rules and snaps may
// be nil; the matching features then answer as unavailable.
func New(cfg Config, doc *mapdoc.Document, tr transport.Server, rules *automap.Store, snaps *store.Store, log *logging.Logger) *Server {
	s := &Server{
		log:          log,
		tr:           tr,
		cfg:          cfg,
		doc:          doc,
		model:        action.NewModel(doc),
		hist:         history.New(),
		rules:        rules,
		snaps:        snaps,
		clients:      make(map[transport.ConnID]*clientRecord),
		nextServerID: 1,
		liveEdits:    make(map[[2]int]liveEdit),
		lastAutosave: time.Now(),
	}
	s.adminState = protocol.AdminState{
		Autosave: protocol.AutosaveState{
			Active:          cfg.AutosaveInterval > 0,
			IntervalSeconds: uint64(cfg.AutosaveInterval / time.Second),
		},
	}
	return s
}

// Document returns the authoritative document.
func (s *Server) Document() *mapdoc.Document {
	return s.doc
}

// History returns the shared history.
func (s *Server) History() *history.History {
	return s.hist
}

// Update drains all pending transport events and runs periodic work.
// Called from the daemon's tick loop.
func (s *Server) Update() {
	for {
		select {
		case ev, ok := <-s.tr.Events():
			if !ok {
				return
			}
			s.HandleEvent(ev)
		default:
			s.tick(time.Now())
			return
		}
	}
}

// HandleEvent processes one transport event.
func (s *Server) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnect:
		s.handleConnect(ev.Conn)
	case transport.EventDisconnect:
		s.handleDisconnect(ev.Conn)
	case transport.EventStats:
		s.handleStats(ev)
	case transport.EventMessage:
		s.handleMessage(ev.Conn, ev.Msg)
	}
}

func (s *Server) handleConnect(id transport.ConnID) {
	if s.cfg.MaxClients > 0 && len(s.clients) >= s.cfg.MaxClients {
		s.log.Warn("connection refused, server full", "conn", id.String())
		s.tr.Disconnect(id)
		return
	}
	s.clients[id] = &clientRecord{id: id}
	s.log.Info("client connected", "conn", id.String())
}

func (s *Server) handleDisconnect(id transport.ConnID) {
	rec, ok := s.clients[id]
	if !ok {
		return
	}
	delete(s.clients, id)
	if rec.authenticated {
		s.log.Info("client left", "conn", id.String(), "name", rec.props.Name)
		s.relayChat("", fmt.Sprintf("%s left the session", rec.props.Name))
		s.broadcastRoster()
	}
}

func (s *Server) handleStats(ev transport.Event) {
	rec, ok := s.clients[ev.Conn]
	if !ok || !rec.authenticated {
		return
	}
	rec.props.Stats = &protocol.NetStats{PingMs: ev.PingMs}
}

func (s *Server) handleMessage(id transport.ConnID, msg *protocol.Message) {
	rec, ok := s.clients[id]
	if !ok {
		return
	}

	payload, err := protocol.DecodePayload(msg)
	if err != nil {
		s.log.Warn("undecodable message", "conn", id.String(), "err", err)
		s.tr.Disconnect(id)
		return
	}

	if !rec.authenticated {
		m, ok := payload.(*protocol.AuthMsg)
		if !ok {
			s.log.Warn("message before auth", "conn", id.String(), "type", msg.Header.Type.String())
			s.tr.Disconnect(id)
			return
		}
		s.handleAuth(rec, msg.Header.RequestID, m)
		return
	}

	switch m := payload.(type) {
	case *protocol.AuthMsg:
		// Repeated auth is a protocol violation.
		s.tr.Disconnect(id)
	case *protocol.ActionGroupMsg:
		s.handleActionGroup(rec, msg.Header.RequestID, m)
	case *protocol.CommandMsg:
		s.handleCommand(rec, msg.Header.RequestID, m)
	case *protocol.ClientInfoMsg:
		s.handleClientInfo(rec, m)
	case *protocol.ChatMsg:
		s.relayChat(rec.props.Name, m.Text)
	case *protocol.AdminAuthMsg:
		s.handleAdminAuth(rec, msg.Header.RequestID, m)
	case *protocol.AdminChangeConfigMsg:
		s.handleAdminChangeConfig(rec, msg.Header.RequestID, m)
	case *protocol.DbgActionMsg:
		s.handleDbgAction(rec, msg.Header.RequestID, m)
	case *protocol.AutoMapMsg:
		s.handleAutoMap(rec, msg.Header.RequestID, m)
	case *protocol.AutoMapLiveEditMsg:
		s.handleAutoMapLiveEdit(rec, msg.Header.RequestID, m)
	default:
		s.log.Warn("unexpected message", "conn", id.String(), "type", msg.Header.Type.String())
	}
}

func (s *Server) handleAuth(rec *clientRecord, reqID uint32, m *protocol.AuthMsg) {
	if s.cfg.Password != "" && !auth.Verify(s.cfg.Password, m.Password) {
		s.log.Info("auth rejected", "conn", rec.id.String(), "name", m.Name)
		s.sendError(rec.id, reqID, "wrong password")
		return
	}

	rec.authenticated = true
	rec.local = m.Local
	rec.props = protocol.ClientProps{
		Name:     m.Name,
		Color:    m.Color,
		ServerID: s.nextServerID,
	}
	s.nextServerID++

	s.log.Info("client authenticated",
		"conn", rec.id.String(), "name", m.Name,
		"server_id", rec.props.ServerID, "local", rec.local)

	// Local clients read the authoritative document directly; only
	// remote mirrors need the snapshot.
	if !rec.local {
		if err := s.sendSnapshot(rec.id, reqID); err != nil {
			s.log.Error("snapshot send failed", "conn", rec.id.String(), "err", err)
			s.tr.Disconnect(rec.id)
			return
		}
	}

	s.send(rec.id, protocol.MsgServerInfo, reqID, &protocol.ServerInfoMsg{
		ServerID:          rec.props.ServerID,
		AllowsRemoteAdmin: s.cfg.AdminPassword != "",
	})
	s.relayChat("", fmt.Sprintf("%s joined the session", rec.props.Name))
	s.broadcastRoster()
}

func (s *Server) sendSnapshot(id transport.ConnID, reqID uint32) error {
	data, err := mapdoc.Write(s.doc)
	if err != nil {
		return err
	}
	msg, err := protocol.NewResponse(protocol.MsgMap, reqID, &protocol.MapMsg{
		Document:  data,
		Resources: s.doc.Resources,
	})
	if err != nil {
		return err
	}
	return s.tr.SendTo(id, msg)
}

func (s *Server) handleActionGroup(rec *clientRecord, reqID uint32, m *protocol.ActionGroupMsg) {
	applied, err := s.commitGroup(m.Group)
	if err != nil && len(applied.Actions) == 0 {
		s.sendError(rec.id, reqID, fmt.Sprintf("action rejected: %v", err))
		return
	}
	if err != nil {
		// Partial commit: the leading actions stood, the rest is dropped.
		s.log.Warn("action group partially applied",
			"conn", rec.id.String(), "applied", len(applied.Actions),
			"submitted", len(m.Group.Actions), "err", err)
		s.sendError(rec.id, reqID, fmt.Sprintf("action group truncated: %v", err))
	}
	if len(applied.Actions) == 0 {
		return
	}
	s.broadcastEffect(protocol.MsgRedoAction, applied, rec.id)
	s.runLiveEdits(applied.Actions)
}

// commitGroup applies a submitted group action by action, stopping at
// the first failure, and records whatever stood in the history.
func (s *Server) commitGroup(g protocol.ActionGroup) (protocol.ActionGroup, error) {
	applied := make([]action.Action, 0, len(g.Actions))
	var failure error
	for i := range g.Actions {
		normalized, err := s.model.Do(&g.Actions[i])
		if err != nil {
			failure = err
			break
		}
		applied = append(applied, *normalized)
	}
	if len(applied) == 0 {
		return protocol.ActionGroup{}, failure
	}

	s.dirty = true
	merged, err := s.hist.Do(s.model, history.Group{
		Actions:    applied,
		Identifier: g.Identifier,
	})
	if err != nil {
		s.log.Error("history record failed", "err", err)
	}
	if merged {
		// The broadcast still carries the full applied slice; mirrors
		// coalesce on their side using the identifier.
		s.log.Debug("group merged", "identifier", g.Identifier)
	}
	return protocol.ActionGroup{Actions: applied, Identifier: g.Identifier}, failure
}

func (s *Server) handleCommand(rec *clientRecord, reqID uint32, m *protocol.CommandMsg) {
	switch m.Command {
	case protocol.CommandUndo:
		cursor := s.hist.Cursor()
		if cursor == history.None {
			return
		}
		g := s.hist.Group(cursor)
		if err := s.hist.Undo(s.model); err != nil {
			s.replayFailure("undo", err)
			s.sendError(rec.id, reqID, fmt.Sprintf("undo failed: %v", err))
		}
		s.dirty = true
		s.broadcastEffect(protocol.MsgUndoAction, protocol.ActionGroup{
			Actions:    g.Actions,
			Identifier: g.Identifier,
		}, transport.ConnID{})
	case protocol.CommandRedo:
		next := s.hist.Cursor() + 1
		if next >= s.hist.Len() {
			return
		}
		g := s.hist.Group(next)
		if err := s.hist.Redo(s.model); err != nil {
			s.replayFailure("redo", err)
			s.sendError(rec.id, reqID, fmt.Sprintf("redo failed: %v", err))
		}
		s.dirty = true
		s.broadcastEffect(protocol.MsgRedoAction, protocol.ActionGroup{
			Actions:    g.Actions,
			Identifier: g.Identifier,
		}, transport.ConnID{})
	default:
		s.sendError(rec.id, reqID, fmt.Sprintf("unknown command %q", m.Command))
	}
}

// replayFailure logs a history replay failure with enough context to
// reconstruct the session. Replay continues past failing actions; the
// document may be degraded but the session stays up. The caller reports
// the failure to the requesting connection, if there is one.
func (s *Server) replayFailure(direction string, err error) {
	s.log.Error("history replay failure", "direction", direction, "err", err,
		"cursor", s.hist.Cursor(), "groups", s.hist.Len())
	for _, line := range s.hist.Log().Lines(40) {
		s.log.Error("history log", "line", line)
	}
}

func (s *Server) handleClientInfo(rec *clientRecord, m *protocol.ClientInfoMsg) {
	// ServerID and Stats are server-maintained.
	serverID, stats := rec.props.ServerID, rec.props.Stats
	rec.props = m.Props
	rec.props.ServerID = serverID
	rec.props.Stats = stats
	s.broadcastRoster()
}

// Admin rejections are silent: no reply, no broadcast. Probing the admin
// surface learns nothing, not even whether it is enabled.
func (s *Server) handleAdminAuth(rec *clientRecord, reqID uint32, m *protocol.AdminAuthMsg) {
	if s.cfg.AdminPassword == "" || !auth.Verify(s.cfg.AdminPassword, m.Password) {
		s.log.Info("admin auth rejected", "conn", rec.id.String(), "name", rec.props.Name)
		return
	}
	rec.admin = true
	s.log.Info("admin authenticated", "conn", rec.id.String(), "name", rec.props.Name)
	s.send(rec.id, protocol.MsgAdminAuthed, reqID, &protocol.AdminAuthedMsg{})
	s.pushAdminState()
}

func (s *Server) handleAdminChangeConfig(rec *clientRecord, reqID uint32, m *protocol.AdminChangeConfigMsg) {
	// The password rides along on every change; admin rights alone are
	// not enough. Rejections stay silent, as on AdminAuth.
	if s.cfg.AdminPassword == "" || !auth.Verify(s.cfg.AdminPassword, m.Password) || !rec.admin {
		s.log.Info("admin change rejected", "conn", rec.id.String())
		return
	}

	s.adminState = m.State
	if m.State.Autosave.Active {
		interval := time.Duration(m.State.Autosave.IntervalSeconds) * time.Second
		if interval > 0 {
			s.cfg.AutosaveInterval = interval
		}
	} else {
		s.cfg.AutosaveInterval = 0
	}
	s.log.Info("admin state changed", "autosave", m.State.Autosave.Active,
		"interval_sec", m.State.Autosave.IntervalSeconds)
	s.pushAdminState()
}

// pushAdminState sends the current admin state to every admin.
func (s *Server) pushAdminState() {
	for _, rec := range s.clients {
		if rec.admin {
			s.send(rec.id, protocol.MsgAdminState, 0, &protocol.AdminStateMsg{State: s.adminState})
		}
	}
}

func (s *Server) handleAutoMap(rec *clientRecord, reqID uint32, m *protocol.AutoMapMsg) {
	rule, err := s.resolveRule(&m.Request)
	if err != nil {
		s.sendError(rec.id, reqID, err.Error())
		return
	}
	if rule == nil {
		s.send(rec.id, protocol.MsgAutoMapRuleNotFound, reqID,
			&protocol.AutoMapRuleNotFoundMsg{Request: m.Request})
		return
	}
	s.applyRule(rec, reqID, rule, &m.Request)
}

func (s *Server) handleAutoMapLiveEdit(rec *clientRecord, reqID uint32, m *protocol.AutoMapLiveEditMsg) {
	key := [2]int{m.Request.Group, m.Request.Layer}
	if !m.Enabled {
		delete(s.liveEdits, key)
		s.broadcastLiveEditState(m.Request.Group, m.Request.Layer, false)
		return
	}

	rule, err := s.resolveRule(&m.Request)
	if err != nil {
		s.sendError(rec.id, reqID, err.Error())
		return
	}
	if rule == nil {
		s.send(rec.id, protocol.MsgAutoMapRuleLiveEditNotFound, reqID,
			&protocol.AutoMapRuleLiveEditNotFoundMsg{Request: m.Request, Enabled: true})
		return
	}

	s.liveEdits[key] = liveEdit{rule: rule.Name, seed: m.Request.Seed}
	s.broadcastLiveEditState(m.Request.Group, m.Request.Layer, true)
	s.applyRule(rec, reqID, rule, &m.Request)
}

// resolveRule looks up the requested rule, registering a client-supplied
// payload first. A nil rule with nil error means unknown: the caller
// answers with the matching rule-not-found message and the client
// re-sends the request with the payload filled in.
func (s *Server) resolveRule(req *protocol.AutoMapRequest) (*automap.Rule, error) {
	if len(req.RulePayload) > 0 {
		rule, err := automap.ParseJSON(req.RulePayload)
		if err != nil {
			return nil, fmt.Errorf("invalid rule payload: %v", err)
		}
		if rule.Name != req.Rule {
			return nil, fmt.Errorf("rule payload names %q, request names %q", rule.Name, req.Rule)
		}
		if s.rules == nil {
			s.rules = automap.NewStore()
		}
		s.rules.Put(rule)
		return rule, nil
	}
	if s.rules == nil {
		return nil, nil
	}
	rule, ok := s.rules.Lookup(req.Rule)
	if !ok {
		return nil, nil
	}
	return rule, nil
}

func (s *Server) applyRule(rec *clientRecord, reqID uint32, rule *automap.Rule, req *protocol.AutoMapRequest) {
	actions, err := automap.Apply(rule, s.doc, req.Group, req.Layer, req.Seed)
	if err != nil {
		s.sendError(rec.id, reqID, err.Error())
		return
	}
	if len(actions) == 0 {
		return
	}
	applied, err := s.commitGroup(protocol.ActionGroup{Actions: actions})
	if err != nil {
		s.log.Error("automap commit failed", "rule", rule.Name, "err", err)
	}
	if len(applied.Actions) > 0 {
		s.broadcastEffect(protocol.MsgRedoAction, applied, transport.ConnID{})
	}
}

// runLiveEdits re-runs enabled live-edit rules over layers a committed
// group touched.
func (s *Server) runLiveEdits(committed []action.Action) {
	if len(s.liveEdits) == 0 {
		return
	}
	touched := make(map[[2]int]bool)
	for i := range committed {
		if td := committed[i].TileDraw; td != nil {
			touched[[2]int{td.Group, td.Layer}] = true
		}
	}
	for key := range touched {
		le, ok := s.liveEdits[key]
		if !ok {
			continue
		}
		rule, ok := s.rules.Lookup(le.rule)
		if !ok {
			continue
		}
		actions, err := automap.Apply(rule, s.doc, key[0], key[1], le.seed)
		if err != nil || len(actions) == 0 {
			continue
		}
		applied, err := s.commitGroup(protocol.ActionGroup{Actions: actions})
		if err != nil {
			s.log.Error("live edit commit failed", "rule", le.rule, "err", err)
		}
		if len(applied.Actions) > 0 {
			s.broadcastEffect(protocol.MsgRedoAction, applied, transport.ConnID{})
		}
	}
}

func (s *Server) broadcastLiveEditState(group, layer int, enabled bool) {
	s.broadcast(protocol.MsgAutoMapLiveEditState, &protocol.AutoMapLiveEditStateMsg{
		Group:   group,
		Layer:   layer,
		Enabled: enabled,
	})
}

// tick runs periodic work: autosave.
func (s *Server) tick(now time.Time) {
	if s.cfg.AutosaveInterval <= 0 || s.snaps == nil {
		return
	}
	if !s.adminState.Autosave.Active {
		return
	}
	if now.Sub(s.lastAutosave) < s.cfg.AutosaveInterval {
		return
	}
	s.lastAutosave = now
	if !s.dirty {
		return
	}
	id, err := s.snaps.SaveSnapshot(s.doc, s.cfg.MapName, "autosave")
	if err != nil {
		s.log.Error("autosave failed", "err", err)
		return
	}
	s.dirty = false
	s.log.Info("autosaved", "snapshot", id)
	if s.cfg.AutosaveKeep > 0 {
		if _, err := s.snaps.Prune(s.cfg.AutosaveKeep); err != nil {
			s.log.Error("snapshot prune failed", "err", err)
		}
	}
}

// Save writes a snapshot immediately, regardless of autosave state.
func (s *Server) Save(reason string) error {
	if s.snaps == nil {
		return fmt.Errorf("no snapshot store configured")
	}
	_, err := s.snaps.SaveSnapshot(s.doc, s.cfg.MapName, reason)
	if err == nil {
		s.dirty = false
	}
	return err
}

// broadcastEffect sends a map-altering broadcast with fresh history
// labels. Local clients share the authoritative document and are always
// skipped; skip additionally excludes the submitter, who already applied
// its own edit and must not receive an echo.
func (s *Server) broadcastEffect(t protocol.MessageType, g protocol.ActionGroup, skip transport.ConnID) {
	msg, err := protocol.NewResponse(t, 0, &protocol.ActionEffectMsg{
		Group:     g,
		UndoLabel: s.hist.UndoLabel(),
		RedoLabel: s.hist.RedoLabel(),
	})
	if err != nil {
		s.log.Error("broadcast encode failed", "type", t.String(), "err", err)
		return
	}
	for _, rec := range s.clients {
		if !rec.authenticated || rec.local || rec.id == skip {
			continue
		}
		if err := s.tr.SendTo(rec.id, msg); err != nil {
			s.log.Warn("send failed", "conn", rec.id.String(), "err", err)
		}
	}
}

func (s *Server) broadcastRoster() {
	roster := make([]protocol.ClientProps, 0, len(s.clients))
	for _, rec := range s.clients {
		if rec.authenticated {
			roster = append(roster, rec.props)
		}
	}
	s.broadcast(protocol.MsgInfos, &protocol.InfosMsg{Clients: roster})
}

func (s *Server) relayChat(from, text string) {
	if text == "" {
		return
	}
	s.broadcast(protocol.MsgChatRelay, &protocol.ChatRelayMsg{From: from, Text: text})
}

// broadcast sends to every authenticated client, local ones included;
// roster, chat, and live-edit state are session metadata, not document
// mutations.
func (s *Server) broadcast(t protocol.MessageType, v any) {
	msg, err := protocol.NewResponse(t, 0, v)
	if err != nil {
		s.log.Error("broadcast encode failed", "type", t.String(), "err", err)
		return
	}
	for _, rec := range s.clients {
		if !rec.authenticated {
			continue
		}
		if err := s.tr.SendTo(rec.id, msg); err != nil {
			s.log.Warn("send failed", "conn", rec.id.String(), "err", err)
		}
	}
}

func (s *Server) send(id transport.ConnID, t protocol.MessageType, reqID uint32, v any) {
	msg, err := protocol.NewResponse(t, reqID, v)
	if err != nil {
		s.log.Error("encode failed", "type", t.String(), "err", err)
		return
	}
	if err := s.tr.SendTo(id, msg); err != nil {
		s.log.Warn("send failed", "conn", id.String(), "err", err)
	}
}

func (s *Server) sendError(id transport.ConnID, reqID uint32, text string) {
	if err := s.tr.SendTo(id, protocol.NewErrorMessage(reqID, text)); err != nil {
		s.log.Warn("error send failed", "conn", id.String(), "err", err)
	}
}
