package server

import (
	"bytes"
	"fmt"
	"math/rand"
	"reflect"
	"time"

	"mapsyncd/internal/action"
	"mapsyncd/internal/history"
	"mapsyncd/internal/mapdoc"
	"mapsyncd/internal/protocol"
	"mapsyncd/internal/transport"
)

// Debug harness defaults, used when the request leaves a knob at zero.
const (
	dbgDefaultRounds           = 100
	dbgDefaultInvalidPercent   = 20
	dbgDefaultShufflePercent   = 10
	dbgDefaultRoundTripPercent = 25
)

// handleDbgAction runs the self-test harness: generated edit batches,
// some deliberately malformed, pushed through the same commit path real
// submissions take, interleaved with random undo/redo. Only available
// when the server is unguarded (no admin password) and an in-process
// editor is attached; a remote-reachable fuzzer is not a feature.
func (s *Server) handleDbgAction(rec *clientRecord, reqID uint32, m *protocol.DbgActionMsg) {
	if s.cfg.AdminPassword != "" || !s.hasLocalClient() {
		s.sendError(rec.id, reqID, "debug actions are not available")
		return
	}

	p, d := m.Params, s.dbgDefaults()
	if p.Rounds <= 0 {
		p.Rounds = d.Rounds
	}
	if p.InvalidPercent <= 0 {
		p.InvalidPercent = d.InvalidPercent
	}
	if p.ShufflePercent <= 0 {
		p.ShufflePercent = d.ShufflePercent
	}
	if p.RoundTripPercent <= 0 {
		p.RoundTripPercent = d.RoundTripPercent
	}
	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s.log.Info("debug harness started", "seed", seed, "rounds", p.Rounds)
	rng := rand.New(rand.NewSource(seed))

	var committed, rejected int
	for round := 0; round < p.Rounds; round++ {
		valid := rng.Intn(100) >= p.InvalidPercent
		batch := action.Generate(rng, s.doc, valid)
		if len(batch) == 0 {
			continue
		}

		group := protocol.ActionGroup{Actions: batch}
		if rng.Intn(100) < p.RoundTripPercent {
			group = dbgRoundTrip(group)
		}
		if rng.Intn(100) < p.ShufflePercent {
			rng.Shuffle(len(group.Actions), func(i, j int) {
				group.Actions[i], group.Actions[j] = group.Actions[j], group.Actions[i]
			})
		}

		applied, err := s.commitGroup(group)
		if err != nil && valid && len(applied.Actions) == 0 {
			// A batch generated as valid must commit unless shuffling
			// reordered it into dependence.
			s.log.Error("debug harness: valid batch rejected",
				"seed", seed, "round", round, "err", err)
		}
		if len(applied.Actions) > 0 {
			committed++
			s.broadcastEffect(protocol.MsgRedoAction, applied, transport.ConnID{})
		} else {
			rejected++
		}

		switch rng.Intn(6) {
		case 0:
			s.dbgReplay(protocol.CommandUndo)
		case 1:
			s.dbgReplay(protocol.CommandRedo)
		case 2:
			if err := s.dbgCodecRoundTrip(); err != nil {
				panic(fmt.Sprintf("debug harness: codec round trip diverged (seed %d, round %d): %v", seed, round, err))
			}
		}
	}

	s.log.Info("debug harness finished",
		"seed", seed, "committed", committed, "rejected", rejected,
		"history_groups", s.hist.Len(), "cursor", s.hist.Cursor())
}

// dbgDefaults resolves the configured harness knobs, falling back to the
// built-in values for unset ones.
func (s *Server) dbgDefaults() protocol.DbgParams {
	d := s.cfg.DbgDefaults
	if d.Rounds <= 0 {
		d.Rounds = dbgDefaultRounds
	}
	if d.InvalidPercent <= 0 {
		d.InvalidPercent = dbgDefaultInvalidPercent
	}
	if d.ShufflePercent <= 0 {
		d.ShufflePercent = dbgDefaultShufflePercent
	}
	if d.RoundTripPercent <= 0 {
		d.RoundTripPercent = dbgDefaultRoundTripPercent
	}
	return d
}

func (s *Server) hasLocalClient() bool {
	for _, rec := range s.clients {
		if rec.authenticated && rec.local {
			return true
		}
	}
	return false
}

// dbgReplay mirrors handleCommand without a requesting connection.
func (s *Server) dbgReplay(cmd protocol.CommandKind) {
	switch cmd {
	case protocol.CommandUndo:
		cursor := s.hist.Cursor()
		if cursor == history.None {
			return
		}
		g := s.hist.Group(cursor)
		if err := s.hist.Undo(s.model); err != nil {
			s.replayFailure("undo", err)
		}
		s.broadcastEffect(protocol.MsgUndoAction, protocol.ActionGroup{Actions: g.Actions}, transport.ConnID{})
	case protocol.CommandRedo:
		next := s.hist.Cursor() + 1
		if next >= s.hist.Len() {
			return
		}
		g := s.hist.Group(next)
		if err := s.hist.Redo(s.model); err != nil {
			s.replayFailure("redo", err)
		}
		s.broadcastEffect(protocol.MsgRedoAction, protocol.ActionGroup{Actions: g.Actions}, transport.ConnID{})
	}
}

// dbgRoundTrip pushes a group through the wire encoding and back. A
// divergence means the protocol loses information and is fatal: every
// mirror in the session would drift.
func dbgRoundTrip(g protocol.ActionGroup) protocol.ActionGroup {
	data, err := protocol.Encode(&protocol.ActionGroupMsg{Group: g})
	if err != nil {
		panic(fmt.Sprintf("debug harness: group encode failed: %v", err))
	}
	var decoded protocol.ActionGroupMsg
	if err := protocol.Decode(data, &decoded); err != nil {
		panic(fmt.Sprintf("debug harness: group decode failed: %v", err))
	}
	if !reflect.DeepEqual(g, decoded.Group) {
		panic(fmt.Sprintf("debug harness: group changed across encoding:\nsent %+v\ngot  %+v", g, decoded.Group))
	}
	return decoded.Group
}

// dbgCodecRoundTrip writes the authoritative document through the map
// codec, reads it back, and re-encodes. The two encodings must match
// byte for byte.
func (s *Server) dbgCodecRoundTrip() error {
	first, err := mapdoc.Write(s.doc)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	doc, err := mapdoc.Read(first)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	second, err := mapdoc.Write(doc)
	if err != nil {
		return fmt.Errorf("rewrite: %w", err)
	}
	if !bytes.Equal(first, second) {
		return fmt.Errorf("document encoding not stable across a round trip")
	}
	return nil
}
