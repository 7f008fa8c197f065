// Package history implements the bounded linear undo/redo history of the
// authority server: an ordered sequence of action groups plus a cursor.
//
// Cursor positions are None, 0, 1, ... where None is the pre-history
// position (nothing applied, or everything undone). A fresh edit from any
// position discards the redo branch; there is never more than one branch.
package history

import (
	"errors"
	"fmt"

	"mapsyncd/internal/action"
)

const (
	// MaxGroups bounds history memory. Once exceeded the oldest group is
	// evicted per insertion.
	MaxGroups = 300

	// MaxLogLines bounds the human-readable history log.
	MaxLogLines = 4000
)

// None is the cursor value for the pre-history position.
const None = -1

var (
	// ErrNothingToUndo and ErrNothingToRedo signal that the requested
	// direction has no eligible group. Callers treat them as silent no-ops,
	// not failures.
	ErrNothingToUndo = errors.New("history: nothing to undo")
	ErrNothingToRedo = errors.New("history: nothing to redo")
)

// Group is one atomic unit of undo/redo. Identifier groups actions that
// originate from one continuous user gesture; "" means no identifier.
type Group struct {
	Actions    []action.Action
	Identifier string
}

// Model is the subset of the action model the history drives.
type Model interface {
	Undo(*action.Action) error
	Redo(*action.Action) error
	Merge([]action.Action) ([]action.Action, bool, error)
}

// History is the ordered group sequence plus cursor. Invariant: cursor is
// None or in [0, len(groups)).
type History struct {
	groups []Group
	cursor int
	log    Log
}

func New() *History {
	return &History{cursor: None}
}

// Len returns the number of retained groups.
func (h *History) Len() int {
	return len(h.groups)
}

// Cursor returns the current cursor position, or None.
func (h *History) Cursor() int {
	return h.cursor
}

// Group returns the group at index i. The returned pointer stays valid
// only until the next Do.
func (h *History) Group(i int) *Group {
	if i < 0 || i >= len(h.groups) {
		return nil
	}
	return &h.groups[i]
}

// Log returns the bounded history log.
func (h *History) Log() *Log {
	return &h.log
}

// CanMergeInto reports whether a submission with the given identifier
// would coalesce into the group at the cursor instead of opening a new
// one. Merging requires a non-empty identifier matching that group; from
// the root position nothing survives to merge into.
func (h *History) CanMergeInto(identifier string) bool {
	if identifier == "" || h.cursor == None {
		return false
	}
	return h.groups[h.cursor].Identifier == identifier
}

// Do records a group of already-applied actions. Any redo branch past the
// cursor is discarded first; from the root position every group is
// discarded. The submission then either coalesces into the surviving last
// group (same non-empty identifier, the model's Merge doing the actual
// folding) or is appended as a new group. Returns whether a merge
// occurred.
func (h *History) Do(m Model, g Group) (bool, error) {
	if h.cursor == None {
		h.groups = h.groups[:0]
	} else {
		h.groups = h.groups[:h.cursor+1]
	}

	if h.CanMergeInto(g.Identifier) {
		last := &h.groups[h.cursor]
		combined := append(last.Actions, g.Actions...)
		combined, merged, err := m.Merge(combined)
		if err != nil {
			return false, fmt.Errorf("merge group %q: %w", g.Identifier, err)
		}
		last.Actions = combined
		if merged {
			h.log.Push("[MERGED] " + h.describeGroup(last))
		} else {
			h.log.Push("[EXTENDED] " + h.describeGroup(last))
		}
		return merged, nil
	}

	h.groups = append(h.groups, g)
	h.cursor = len(h.groups) - 1
	h.log.Push(h.describeGroup(&h.groups[h.cursor]))

	h.evict()
	return false, nil
}

// evict drops oldest groups until the bound holds, keeping the cursor's
// relative position stable.
func (h *History) evict() {
	for len(h.groups) > MaxGroups {
		h.groups = h.groups[1:]
		if h.cursor > 0 {
			h.cursor--
		}
	}
}

// Undo reverts the group at the cursor, applying its actions in reverse
// order, then moves the cursor back. A per-action failure is collected and
// reported but the remaining actions of the group are still processed;
// such a failure indicates a committed action that can no longer be
// reverted, which is a bug signal rather than a recoverable condition.
func (h *History) Undo(m Model) error {
	if h.cursor == None {
		return ErrNothingToUndo
	}
	g := &h.groups[h.cursor]

	var errs []error
	for i := len(g.Actions) - 1; i >= 0; i-- {
		if err := m.Undo(&g.Actions[i]); err != nil {
			errs = append(errs, fmt.Errorf("undo %s (group %d, action %d): %w",
				action.DescribeForUndo(&g.Actions[i]), h.cursor, i, err))
		}
	}
	h.log.Push(fmt.Sprintf("[UNDO] %s", h.describeGroup(g)))
	h.cursor--

	return errors.Join(errs...)
}

// Redo re-applies the group after the cursor, moving the cursor forward
// first, then applying the actions in order. Failure handling matches
// Undo.
func (h *History) Redo(m Model) error {
	next := h.cursor + 1
	if next >= len(h.groups) {
		return ErrNothingToRedo
	}
	h.cursor = next
	g := &h.groups[h.cursor]

	var errs []error
	for i := range g.Actions {
		if err := m.Redo(&g.Actions[i]); err != nil {
			errs = append(errs, fmt.Errorf("redo %s (group %d, action %d): %w",
				action.DescribeForRedo(&g.Actions[i]), h.cursor, i, err))
		}
	}
	h.log.Push(fmt.Sprintf("[REDO] %s", h.describeGroup(g)))

	return errors.Join(errs...)
}

// UndoLabel returns the human-readable label for the next undo, or "".
func (h *History) UndoLabel() string {
	if h.cursor == None {
		return ""
	}
	return groupLabel(&h.groups[h.cursor], action.DescribeForUndo)
}

// RedoLabel returns the human-readable label for the next redo, or "".
func (h *History) RedoLabel() string {
	if h.cursor+1 >= len(h.groups) {
		return ""
	}
	return groupLabel(&h.groups[h.cursor+1], action.DescribeForRedo)
}

func groupLabel(g *Group, describe func(*action.Action) string) string {
	switch len(g.Actions) {
	case 0:
		return ""
	case 1:
		return describe(&g.Actions[0])
	default:
		return fmt.Sprintf("%s (+%d more)", describe(&g.Actions[0]), len(g.Actions)-1)
	}
}

func (h *History) describeGroup(g *Group) string {
	label := groupLabel(g, func(a *action.Action) string { return a.Kind.String() })
	if g.Identifier != "" {
		return fmt.Sprintf("%s id=%q", label, g.Identifier)
	}
	return label
}
