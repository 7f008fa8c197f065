// Package action defines the closed set of map edit actions and the model
// that applies them to a document. Every operation switches exhaustively
// over Kind so adding an action kind is a compile-time checked change.
package action

import (
	"fmt"

	"mapsyncd/internal/mapdoc"
)

// Kind discriminates the action variants.
type Kind uint8

const (
	KindTileDraw Kind = iota + 1
	KindQuadAdd
	KindQuadRemove
	KindQuadMove
	KindLayerAdd
	KindLayerRemove
	KindGroupRename
	KindResourceAdd
)

func (k Kind) String() string {
	switch k {
	case KindTileDraw:
		return "tile-draw"
	case KindQuadAdd:
		return "quad-add"
	case KindQuadRemove:
		return "quad-remove"
	case KindQuadMove:
		return "quad-move"
	case KindLayerAdd:
		return "layer-add"
	case KindLayerRemove:
		return "layer-remove"
	case KindGroupRename:
		return "group-rename"
	case KindResourceAdd:
		return "resource-add"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Action is one edit command. Exactly one payload pointer is non-nil,
// matching Kind. Old* fields are normalized by Model.Do from the live
// document so that Undo is exact.
type Action struct {
	Kind Kind `json:"kind"`

	TileDraw    *TileDraw    `json:"tile_draw,omitempty"`
	QuadAdd     *QuadAdd     `json:"quad_add,omitempty"`
	QuadRemove  *QuadRemove  `json:"quad_remove,omitempty"`
	QuadMove    *QuadMove    `json:"quad_move,omitempty"`
	LayerAdd    *LayerAdd    `json:"layer_add,omitempty"`
	LayerRemove *LayerRemove `json:"layer_remove,omitempty"`
	GroupRename *GroupRename `json:"group_rename,omitempty"`
	ResourceAdd *ResourceAdd `json:"resource_add,omitempty"`
}

// TileDraw sets one cell of a tile layer.
type TileDraw struct {
	Group int         `json:"group"`
	Layer int         `json:"layer"`
	X     uint32      `json:"x"`
	Y     uint32      `json:"y"`
	Old   mapdoc.Tile `json:"old"`
	New   mapdoc.Tile `json:"new"`
}

// QuadAdd appends a quad to a quad layer. Index is normalized to the
// insertion position.
type QuadAdd struct {
	Group int         `json:"group"`
	Layer int         `json:"layer"`
	Index int         `json:"index"`
	Quad  mapdoc.Quad `json:"quad"`
}

// QuadRemove deletes the quad at Index. Quad is normalized to the removed
// value.
type QuadRemove struct {
	Group int         `json:"group"`
	Layer int         `json:"layer"`
	Index int         `json:"index"`
	Quad  mapdoc.Quad `json:"quad"`
}

// QuadMove repositions the points of an existing quad.
type QuadMove struct {
	Group int             `json:"group"`
	Layer int             `json:"layer"`
	Index int             `json:"index"`
	Old   [5]mapdoc.Point `json:"old"`
	New   [5]mapdoc.Point `json:"new"`
}

// LayerAdd appends a layer to a group. Index is normalized to the
// insertion position.
type LayerAdd struct {
	Group int          `json:"group"`
	Index int          `json:"index"`
	Layer mapdoc.Layer `json:"layer"`
}

// LayerRemove deletes the layer at Index. Layer is normalized to the
// removed value.
type LayerRemove struct {
	Group int          `json:"group"`
	Index int          `json:"index"`
	Layer mapdoc.Layer `json:"layer"`
}

// GroupRename changes a group's name. Old is normalized.
type GroupRename struct {
	Group int    `json:"group"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// ResourceAdd appends a resource blob. Index is normalized.
type ResourceAdd struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Data  []byte `json:"data"`
}

// payload returns the active payload, or nil when the action is malformed.
func (a *Action) payload() any {
	switch a.Kind {
	case KindTileDraw:
		if a.TileDraw != nil {
			return a.TileDraw
		}
	case KindQuadAdd:
		if a.QuadAdd != nil {
			return a.QuadAdd
		}
	case KindQuadRemove:
		if a.QuadRemove != nil {
			return a.QuadRemove
		}
	case KindQuadMove:
		if a.QuadMove != nil {
			return a.QuadMove
		}
	case KindLayerAdd:
		if a.LayerAdd != nil {
			return a.LayerAdd
		}
	case KindLayerRemove:
		if a.LayerRemove != nil {
			return a.LayerRemove
		}
	case KindGroupRename:
		if a.GroupRename != nil {
			return a.GroupRename
		}
	case KindResourceAdd:
		if a.ResourceAdd != nil {
			return a.ResourceAdd
		}
	}
	return nil
}
