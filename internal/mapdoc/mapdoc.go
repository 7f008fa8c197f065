// Package mapdoc holds the shared map document model and its whole-document
// binary codec. The codec is used for full-state transfer when a client
// joins and for round-trip consistency checks in the debug harness.
package mapdoc

// LayerKind discriminates the closed set of layer variants.
type LayerKind uint8

const (
	KindTiles LayerKind = 1
	KindQuads LayerKind = 2
)

// Tile is a single cell of a tile layer.
type Tile struct {
	Index uint8 `json:"index"`
	Flags uint8 `json:"flags"`
}

// Point is a fixed-point map coordinate.
type Point struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// Color is an RGBA color.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
	A uint8 `json:"a"`
}

// Quad is a freeform quadrilateral. Points[4] is the pivot.
type Quad struct {
	Points [5]Point `json:"points"`
	Color  Color    `json:"color"`
}

// Layer is one layer of a group. Exactly one of Tiles/Quads is set,
// according to Kind.
type Layer struct {
	Kind   LayerKind `json:"kind"`
	Name   string    `json:"name"`
	Width  uint32    `json:"width,omitempty"`
	Height uint32    `json:"height,omitempty"`
	Tiles  []Tile    `json:"tiles,omitempty"`
	Quads  []Quad    `json:"quads,omitempty"`
}

// Group is an ordered set of layers sharing a parallax context.
type Group struct {
	Name   string  `json:"name"`
	Layers []Layer `json:"layers"`
}

// Resource is an external blob (image data) referenced by layers.
type Resource struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Document is the complete map state. It is owned by exactly one update
// loop at a time and never shared across goroutines.
type Document struct {
	Groups    []Group
	Resources []Resource
}

// NewTileLayer returns a tile layer with all cells zeroed.
func NewTileLayer(name string, width, height uint32) Layer {
	return Layer{
		Kind:   KindTiles,
		Name:   name,
		Width:  width,
		Height: height,
		Tiles:  make([]Tile, width*height),
	}
}

// NewQuadLayer returns an empty quad layer.
func NewQuadLayer(name string) Layer {
	return Layer{Kind: KindQuads, Name: name}
}

// Clone returns a deep copy of the document. Mirrors replicate from a
// clone so the server document is never aliased.
func (d *Document) Clone() *Document {
	out := &Document{
		Groups:    make([]Group, len(d.Groups)),
		Resources: make([]Resource, len(d.Resources)),
	}
	for i, g := range d.Groups {
		ng := Group{Name: g.Name, Layers: make([]Layer, len(g.Layers))}
		for j, l := range g.Layers {
			nl := l
			if l.Tiles != nil {
				nl.Tiles = make([]Tile, len(l.Tiles))
				copy(nl.Tiles, l.Tiles)
			}
			if l.Quads != nil {
				nl.Quads = make([]Quad, len(l.Quads))
				copy(nl.Quads, l.Quads)
			}
			ng.Layers[j] = nl
		}
		out.Groups[i] = ng
	}
	for i, r := range d.Resources {
		data := make([]byte, len(r.Data))
		copy(data, r.Data)
		out.Resources[i] = Resource{Name: r.Name, Data: data}
	}
	return out
}

// Layer returns the layer at (group, layer), or nil if out of range.
func (d *Document) Layer(group, layer int) *Layer {
	if group < 0 || group >= len(d.Groups) {
		return nil
	}
	g := &d.Groups[group]
	if layer < 0 || layer >= len(g.Layers) {
		return nil
	}
	return &g.Layers[layer]
}
