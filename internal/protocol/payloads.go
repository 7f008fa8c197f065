package protocol

import (
	"fmt"

	"mapsyncd/internal/action"
	"mapsyncd/internal/mapdoc"
)

// CommandKind selects the direction of a history command.
type CommandKind string

const (
	CommandUndo CommandKind = "undo"
	CommandRedo CommandKind = "redo"
)

// NetStats carries the last known per-connection network statistics.
type NetStats struct {
	PingMs      uint32 `json:"ping_ms"`
	PacketsSent uint64 `json:"packets_sent,omitempty"`
	PacketsRecv uint64 `json:"packets_recv,omitempty"`
}

// ClientProps are the roster-visible properties of a connected editor.
// ServerID is assigned by the server, unique per session and never reused.
type ClientProps struct {
	Name     string       `json:"name"`
	Color    mapdoc.Color `json:"color"`
	CursorX  float64      `json:"cursor_x"`
	CursorY  float64      `json:"cursor_y"`
	ServerID uint64       `json:"server_id"`
	Stats    *NetStats    `json:"stats,omitempty"`
}

// ActionGroup is one submitted unit of edits. A non-empty Identifier marks
// the group as part of a continuous gesture eligible for merging.
type ActionGroup struct {
	Actions    []action.Action `json:"actions"`
	Identifier string          `json:"identifier,omitempty"`
}

// AutosaveState is the admin-controlled autosave configuration.
// IntervalSeconds zero means the configured default interval.
type AutosaveState struct {
	Active          bool   `json:"active"`
	IntervalSeconds uint64 `json:"interval_seconds,omitempty"`
}

// AdminState is the server state visible to and editable by admins.
type AdminState struct {
	Autosave AutosaveState `json:"autosave"`
}

// AutoMapRequest asks the server to run a named auto-mapper rule over a
// layer. Rule payloads live client-side; when the server does not know the
// named rule it answers with AutoMapRuleNotFound and the client re-sends
// the request with RulePayload filled in.
type AutoMapRequest struct {
	Rule        string `json:"rule"`
	Group       int    `json:"group"`
	Layer       int    `json:"layer"`
	Seed        uint64 `json:"seed,omitempty"`
	RulePayload []byte `json:"rule_payload,omitempty"`
}

// DbgParams drives one invocation of the server's debug harness. All
// percentages are 0-100; zero values fall back to the server's configured
// defaults.
type DbgParams struct {
	Seed             int64 `json:"seed,omitempty"`
	Rounds           int   `json:"rounds,omitempty"`
	InvalidPercent   int   `json:"invalid_percent,omitempty"`
	ShufflePercent   int   `json:"shuffle_percent,omitempty"`
	RoundTripPercent int   `json:"round_trip_percent,omitempty"`
}

// Client -> server payloads.

// AuthMsg is the one-shot join handshake of a fresh connection.
type AuthMsg struct {
	Password string       `json:"password"`
	Local    bool         `json:"local"`
	Name     string       `json:"name"`
	Color    mapdoc.Color `json:"color"`
}

// ActionGroupMsg submits a validated-on-arrival group of edit actions.
type ActionGroupMsg struct {
	Group ActionGroup `json:"group"`
}

// CommandMsg requests an undo or redo.
type CommandMsg struct {
	Command CommandKind `json:"command"`
}

// ClientInfoMsg updates the sender's roster properties. ServerID and
// Stats are server-maintained and ignored on input.
type ClientInfoMsg struct {
	Props ClientProps `json:"props"`
}

// ChatMsg sends a chat line.
type ChatMsg struct {
	Text string `json:"text"`
}

// AdminAuthMsg requests admin rights.
type AdminAuthMsg struct {
	Password string `json:"password"`
}

// AdminChangeConfigMsg changes the admin state. The password is
// re-validated on every call.
type AdminChangeConfigMsg struct {
	Password string     `json:"password"`
	State    AdminState `json:"state"`
}

// DbgActionMsg triggers the debug harness.
type DbgActionMsg struct {
	Params DbgParams `json:"params"`
}

// AutoMapMsg requests an auto-map run.
type AutoMapMsg struct {
	Request AutoMapRequest `json:"request"`
}

// AutoMapLiveEditMsg toggles live auto-mapping for a layer.
type AutoMapLiveEditMsg struct {
	Request AutoMapRequest `json:"request"`
	Enabled bool           `json:"enabled"`
}

// Server -> client payloads.

// ActionEffectMsg is the body of both RedoAction and UndoAction
// broadcasts: the group to replay plus the recomputed history labels.
type ActionEffectMsg struct {
	Group     ActionGroup `json:"group"`
	UndoLabel string      `json:"undo_label"`
	RedoLabel string      `json:"redo_label"`
}

// ErrorMsg reports a failure to the originating connection only.
type ErrorMsg struct {
	Text string `json:"text"`
}

// MapMsg transfers the full document plus the resource blobs it
// references. Document is the whole-document codec output.
type MapMsg struct {
	Document  []byte            `json:"document"`
	Resources []mapdoc.Resource `json:"resources,omitempty"`
}

// InfosMsg broadcasts the authenticated roster.
type InfosMsg struct {
	Clients []ClientProps `json:"clients"`
}

// ServerInfoMsg acknowledges a successful join.
type ServerInfoMsg struct {
	ServerID          uint64 `json:"server_id"`
	AllowsRemoteAdmin bool   `json:"allows_remote_admin"`
}

// ChatRelayMsg relays a chat line with the resolved sender name.
type ChatRelayMsg struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// AdminAuthedMsg confirms admin rights.
type AdminAuthedMsg struct{}

// AdminStateMsg pushes the current admin state to admins.
type AdminStateMsg struct {
	State AdminState `json:"state"`
}

// AutoMapRuleNotFoundMsg asks the requester to supply the rule payload and
// retry.
type AutoMapRuleNotFoundMsg struct {
	Request AutoMapRequest `json:"request"`
}

// AutoMapRuleLiveEditNotFoundMsg is the live-edit variant of rule-not-found.
type AutoMapRuleLiveEditNotFoundMsg struct {
	Request AutoMapRequest `json:"request"`
	Enabled bool           `json:"enabled"`
}

// AutoMapLiveEditStateMsg broadcasts the live-edit toggle for a layer.
type AutoMapLiveEditStateMsg struct {
	Group   int  `json:"group"`
	Layer   int  `json:"layer"`
	Enabled bool `json:"enabled"`
}

// DecodePayload decodes the payload struct matching the message type.
func DecodePayload(m *Message) (any, error) {
	var v any
	switch m.Header.Type {
	case MsgAuth:
		v = &AuthMsg{}
	case MsgActionGroup:
		v = &ActionGroupMsg{}
	case MsgCommand:
		v = &CommandMsg{}
	case MsgClientInfo:
		v = &ClientInfoMsg{}
	case MsgChat:
		v = &ChatMsg{}
	case MsgAdminAuth:
		v = &AdminAuthMsg{}
	case MsgAdminChangeConfig:
		v = &AdminChangeConfigMsg{}
	case MsgDbgAction:
		v = &DbgActionMsg{}
	case MsgAutoMap:
		v = &AutoMapMsg{}
	case MsgAutoMapLiveEdit:
		v = &AutoMapLiveEditMsg{}
	case MsgRedoAction, MsgUndoAction:
		v = &ActionEffectMsg{}
	case MsgError:
		v = &ErrorMsg{}
	case MsgMap:
		v = &MapMsg{}
	case MsgInfos:
		v = &InfosMsg{}
	case MsgServerInfo:
		v = &ServerInfoMsg{}
	case MsgChatRelay:
		v = &ChatRelayMsg{}
	case MsgAdminAuthed:
		v = &AdminAuthedMsg{}
	case MsgAdminState:
		v = &AdminStateMsg{}
	case MsgAutoMapRuleNotFound:
		v = &AutoMapRuleNotFoundMsg{}
	case MsgAutoMapRuleLiveEditNotFound:
		v = &AutoMapRuleLiveEditNotFoundMsg{}
	case MsgAutoMapLiveEditState:
		v = &AutoMapLiveEditStateMsg{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", m.Header.Type)
	}
	if err := Decode(m.Payload, v); err != nil {
		return nil, err
	}
	return v, nil
}
