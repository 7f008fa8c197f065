package action

import (
	"errors"
	"fmt"
	"slices"

	"mapsyncd/internal/mapdoc"
)

var (
	ErrMalformed    = errors.New("action: malformed action")
	ErrOutOfRange   = errors.New("action: reference out of range")
	ErrKindMismatch = errors.New("action: layer kind mismatch")
)

// Model applies actions to one document. The document is exclusively owned
// by the caller's update loop; Model is not safe for concurrent use.
type Model struct {
	Doc *mapdoc.Document
}

func NewModel(doc *mapdoc.Document) *Model {
	return &Model{Doc: doc}
}

// Do validates the action against the live document, applies it, and
// normalizes it in place (filling Old fields and insertion indexes) so the
// returned action undoes and replays exactly. On error the document is
// unchanged.
func (m *Model) Do(a *Action) (*Action, error) {
	if a.payload() == nil {
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformed, a.Kind)
	}
	switch a.Kind {
	case KindTileDraw:
		p := a.TileDraw
		l, err := m.tileLayer(p.Group, p.Layer)
		if err != nil {
			return nil, err
		}
		if p.X >= l.Width || p.Y >= l.Height {
			return nil, fmt.Errorf("%w: tile (%d,%d) outside %dx%d", ErrOutOfRange, p.X, p.Y, l.Width, l.Height)
		}
		i := p.Y*l.Width + p.X
		p.Old = l.Tiles[i]
		l.Tiles[i] = p.New
	case KindQuadAdd:
		p := a.QuadAdd
		l, err := m.quadLayer(p.Group, p.Layer)
		if err != nil {
			return nil, err
		}
		p.Index = len(l.Quads)
		l.Quads = append(l.Quads, p.Quad)
	case KindQuadRemove:
		p := a.QuadRemove
		l, err := m.quadLayer(p.Group, p.Layer)
		if err != nil {
			return nil, err
		}
		if p.Index < 0 || p.Index >= len(l.Quads) {
			return nil, fmt.Errorf("%w: quad %d of %d", ErrOutOfRange, p.Index, len(l.Quads))
		}
		p.Quad = l.Quads[p.Index]
		l.Quads = slices.Delete(l.Quads, p.Index, p.Index+1)
	case KindQuadMove:
		p := a.QuadMove
		l, err := m.quadLayer(p.Group, p.Layer)
		if err != nil {
			return nil, err
		}
		if p.Index < 0 || p.Index >= len(l.Quads) {
			return nil, fmt.Errorf("%w: quad %d of %d", ErrOutOfRange, p.Index, len(l.Quads))
		}
		p.Old = l.Quads[p.Index].Points
		l.Quads[p.Index].Points = p.New
	case KindLayerAdd:
		p := a.LayerAdd
		g, err := m.group(p.Group)
		if err != nil {
			return nil, err
		}
		if err := checkLayer(&p.Layer); err != nil {
			return nil, err
		}
		p.Index = len(g.Layers)
		g.Layers = append(g.Layers, p.Layer)
	case KindLayerRemove:
		p := a.LayerRemove
		g, err := m.group(p.Group)
		if err != nil {
			return nil, err
		}
		if p.Index < 0 || p.Index >= len(g.Layers) {
			return nil, fmt.Errorf("%w: layer %d of %d", ErrOutOfRange, p.Index, len(g.Layers))
		}
		p.Layer = g.Layers[p.Index]
		g.Layers = slices.Delete(g.Layers, p.Index, p.Index+1)
	case KindGroupRename:
		p := a.GroupRename
		g, err := m.group(p.Group)
		if err != nil {
			return nil, err
		}
		p.Old = g.Name
		g.Name = p.New
	case KindResourceAdd:
		p := a.ResourceAdd
		p.Index = len(m.Doc.Resources)
		m.Doc.Resources = append(m.Doc.Resources, mapdoc.Resource{Name: p.Name, Data: p.Data})
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, a.Kind)
	}
	return a, nil
}

// Undo reverts a previously applied, normalized action.
func (m *Model) Undo(a *Action) error {
	if a.payload() == nil {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, a.Kind)
	}
	switch a.Kind {
	case KindTileDraw:
		p := a.TileDraw
		return m.setTile(p.Group, p.Layer, p.X, p.Y, p.Old)
	case KindQuadAdd:
		p := a.QuadAdd
		return m.removeQuad(p.Group, p.Layer, p.Index)
	case KindQuadRemove:
		p := a.QuadRemove
		return m.insertQuad(p.Group, p.Layer, p.Index, p.Quad)
	case KindQuadMove:
		p := a.QuadMove
		return m.setQuadPoints(p.Group, p.Layer, p.Index, p.Old)
	case KindLayerAdd:
		p := a.LayerAdd
		return m.removeLayer(p.Group, p.Index)
	case KindLayerRemove:
		p := a.LayerRemove
		return m.insertLayer(p.Group, p.Index, p.Layer)
	case KindGroupRename:
		p := a.GroupRename
		return m.setGroupName(p.Group, p.Old)
	case KindResourceAdd:
		p := a.ResourceAdd
		if p.Index != len(m.Doc.Resources)-1 {
			return fmt.Errorf("%w: resource %d of %d", ErrOutOfRange, p.Index, len(m.Doc.Resources))
		}
		m.Doc.Resources = m.Doc.Resources[:p.Index]
		return nil
	}
	return fmt.Errorf("%w: unknown kind %d", ErrMalformed, a.Kind)
}

// Redo re-applies a previously applied, normalized action.
func (m *Model) Redo(a *Action) error {
	if a.payload() == nil {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, a.Kind)
	}
	switch a.Kind {
	case KindTileDraw:
		p := a.TileDraw
		return m.setTile(p.Group, p.Layer, p.X, p.Y, p.New)
	case KindQuadAdd:
		p := a.QuadAdd
		return m.insertQuad(p.Group, p.Layer, p.Index, p.Quad)
	case KindQuadRemove:
		p := a.QuadRemove
		return m.removeQuad(p.Group, p.Layer, p.Index)
	case KindQuadMove:
		p := a.QuadMove
		return m.setQuadPoints(p.Group, p.Layer, p.Index, p.New)
	case KindLayerAdd:
		p := a.LayerAdd
		return m.insertLayer(p.Group, p.Index, p.Layer)
	case KindLayerRemove:
		p := a.LayerRemove
		return m.removeLayer(p.Group, p.Index)
	case KindGroupRename:
		p := a.GroupRename
		return m.setGroupName(p.Group, p.New)
	case KindResourceAdd:
		p := a.ResourceAdd
		if p.Index != len(m.Doc.Resources) {
			return fmt.Errorf("%w: resource %d of %d", ErrOutOfRange, p.Index, len(m.Doc.Resources))
		}
		m.Doc.Resources = append(m.Doc.Resources, mapdoc.Resource{Name: p.Name, Data: p.Data})
		return nil
	}
	return fmt.Errorf("%w: unknown kind %d", ErrMalformed, a.Kind)
}

// Merge coalesces adjacent compatible actions in place and reports whether
// any merge happened. Compatible pairs keep the first action's Old state
// and the last action's New state, so one history entry stands for the
// whole gesture.
func (m *Model) Merge(actions []Action) ([]Action, bool, error) {
	merged := false
	for i := 1; i < len(actions); {
		if mergePair(&actions[i-1], &actions[i]) {
			actions = slices.Delete(actions, i, i+1)
			merged = true
			continue
		}
		i++
	}
	return actions, merged, nil
}

func mergePair(first, next *Action) bool {
	if first.Kind != next.Kind {
		return false
	}
	switch first.Kind {
	case KindTileDraw:
		a, b := first.TileDraw, next.TileDraw
		if a == nil || b == nil {
			return false
		}
		if a.Group == b.Group && a.Layer == b.Layer && a.X == b.X && a.Y == b.Y {
			a.New = b.New
			return true
		}
	case KindQuadMove:
		a, b := first.QuadMove, next.QuadMove
		if a == nil || b == nil {
			return false
		}
		if a.Group == b.Group && a.Layer == b.Layer && a.Index == b.Index {
			a.New = b.New
			return true
		}
	case KindGroupRename:
		a, b := first.GroupRename, next.GroupRename
		if a == nil || b == nil {
			return false
		}
		if a.Group == b.Group {
			a.New = b.New
			return true
		}
	}
	return false
}

// DescribeForUndo returns the label shown for undoing the action.
func DescribeForUndo(a *Action) string {
	return "undo " + describe(a)
}

// DescribeForRedo returns the label shown for redoing the action.
func DescribeForRedo(a *Action) string {
	return "redo " + describe(a)
}

func describe(a *Action) string {
	switch a.Kind {
	case KindTileDraw:
		if p := a.TileDraw; p != nil {
			return fmt.Sprintf("draw tile (%d,%d) on layer %d/%d", p.X, p.Y, p.Group, p.Layer)
		}
	case KindQuadAdd:
		if p := a.QuadAdd; p != nil {
			return fmt.Sprintf("add quad on layer %d/%d", p.Group, p.Layer)
		}
	case KindQuadRemove:
		if p := a.QuadRemove; p != nil {
			return fmt.Sprintf("remove quad %d on layer %d/%d", p.Index, p.Group, p.Layer)
		}
	case KindQuadMove:
		if p := a.QuadMove; p != nil {
			return fmt.Sprintf("move quad %d on layer %d/%d", p.Index, p.Group, p.Layer)
		}
	case KindLayerAdd:
		if p := a.LayerAdd; p != nil {
			return fmt.Sprintf("add layer %q to group %d", p.Layer.Name, p.Group)
		}
	case KindLayerRemove:
		if p := a.LayerRemove; p != nil {
			return fmt.Sprintf("remove layer %d from group %d", p.Index, p.Group)
		}
	case KindGroupRename:
		if p := a.GroupRename; p != nil {
			return fmt.Sprintf("rename group %d to %q", p.Group, p.New)
		}
	case KindResourceAdd:
		if p := a.ResourceAdd; p != nil {
			return fmt.Sprintf("add resource %q", p.Name)
		}
	}
	return a.Kind.String()
}

func (m *Model) group(i int) (*mapdoc.Group, error) {
	if i < 0 || i >= len(m.Doc.Groups) {
		return nil, fmt.Errorf("%w: group %d of %d", ErrOutOfRange, i, len(m.Doc.Groups))
	}
	return &m.Doc.Groups[i], nil
}

func (m *Model) tileLayer(group, layer int) (*mapdoc.Layer, error) {
	l := m.Doc.Layer(group, layer)
	if l == nil {
		return nil, fmt.Errorf("%w: layer %d/%d", ErrOutOfRange, group, layer)
	}
	if l.Kind != mapdoc.KindTiles {
		return nil, fmt.Errorf("%w: layer %d/%d is not a tile layer", ErrKindMismatch, group, layer)
	}
	return l, nil
}

func (m *Model) quadLayer(group, layer int) (*mapdoc.Layer, error) {
	l := m.Doc.Layer(group, layer)
	if l == nil {
		return nil, fmt.Errorf("%w: layer %d/%d", ErrOutOfRange, group, layer)
	}
	if l.Kind != mapdoc.KindQuads {
		return nil, fmt.Errorf("%w: layer %d/%d is not a quad layer", ErrKindMismatch, group, layer)
	}
	return l, nil
}

func checkLayer(l *mapdoc.Layer) error {
	switch l.Kind {
	case mapdoc.KindTiles:
		if uint64(l.Width)*uint64(l.Height) != uint64(len(l.Tiles)) {
			return fmt.Errorf("%w: tile layer %q size mismatch", ErrMalformed, l.Name)
		}
	case mapdoc.KindQuads:
	default:
		return fmt.Errorf("%w: unknown layer kind %d", ErrMalformed, l.Kind)
	}
	return nil
}

func (m *Model) setTile(group, layer int, x, y uint32, t mapdoc.Tile) error {
	l, err := m.tileLayer(group, layer)
	if err != nil {
		return err
	}
	if x >= l.Width || y >= l.Height {
		return fmt.Errorf("%w: tile (%d,%d) outside %dx%d", ErrOutOfRange, x, y, l.Width, l.Height)
	}
	l.Tiles[y*l.Width+x] = t
	return nil
}

func (m *Model) insertQuad(group, layer, index int, q mapdoc.Quad) error {
	l, err := m.quadLayer(group, layer)
	if err != nil {
		return err
	}
	if index < 0 || index > len(l.Quads) {
		return fmt.Errorf("%w: quad insert at %d of %d", ErrOutOfRange, index, len(l.Quads))
	}
	l.Quads = slices.Insert(l.Quads, index, q)
	return nil
}

func (m *Model) removeQuad(group, layer, index int) error {
	l, err := m.quadLayer(group, layer)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(l.Quads) {
		return fmt.Errorf("%w: quad %d of %d", ErrOutOfRange, index, len(l.Quads))
	}
	l.Quads = slices.Delete(l.Quads, index, index+1)
	return nil
}

func (m *Model) setQuadPoints(group, layer, index int, pts [5]mapdoc.Point) error {
	l, err := m.quadLayer(group, layer)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(l.Quads) {
		return fmt.Errorf("%w: quad %d of %d", ErrOutOfRange, index, len(l.Quads))
	}
	l.Quads[index].Points = pts
	return nil
}

func (m *Model) insertLayer(group, index int, layer mapdoc.Layer) error {
	g, err := m.group(group)
	if err != nil {
		return err
	}
	if index < 0 || index > len(g.Layers) {
		return fmt.Errorf("%w: layer insert at %d of %d", ErrOutOfRange, index, len(g.Layers))
	}
	g.Layers = slices.Insert(g.Layers, index, layer)
	return nil
}

func (m *Model) removeLayer(group, index int) error {
	g, err := m.group(group)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(g.Layers) {
		return fmt.Errorf("%w: layer %d of %d", ErrOutOfRange, index, len(g.Layers))
	}
	g.Layers = slices.Delete(g.Layers, index, index+1)
	return nil
}

func (m *Model) setGroupName(group int, name string) error {
	g, err := m.group(group)
	if err != nil {
		return err
	}
	g.Name = name
	return nil
}
