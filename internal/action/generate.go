package action

import (
	"fmt"
	"math/rand"

	"mapsyncd/internal/mapdoc"
)

// Generate produces a random action batch against the current document
// shape for the debug harness. With valid=true every generated action
// applies cleanly to doc as it is now; with valid=false every action
// carries at least one out-of-range reference and must be rejected.
//
// Generation only inspects the document, it never mutates it. Valid
// batches are limited to a single action because a later action in a
// batch could reference state only created by an earlier one.
func Generate(rng *rand.Rand, doc *mapdoc.Document, valid bool) []Action {
	n := 1
	if !valid {
		n = 1 + rng.Intn(3)
	}
	out := make([]Action, 0, n)
	for i := 0; i < n; i++ {
		if valid {
			if a, ok := generateValid(rng, doc); ok {
				out = append(out, a)
			}
		} else {
			out = append(out, generateInvalid(rng, doc))
		}
	}
	return out
}

func generateValid(rng *rand.Rand, doc *mapdoc.Document) (Action, bool) {
	tileLayers, quadLayers := layerIndexes(doc)

	type gen func() (Action, bool)
	gens := []gen{
		func() (Action, bool) {
			if len(tileLayers) == 0 {
				return Action{}, false
			}
			ref := tileLayers[rng.Intn(len(tileLayers))]
			l := doc.Layer(ref[0], ref[1])
			if l.Width == 0 || l.Height == 0 {
				return Action{}, false
			}
			return Action{Kind: KindTileDraw, TileDraw: &TileDraw{
				Group: ref[0], Layer: ref[1],
				X:   uint32(rng.Intn(int(l.Width))),
				Y:   uint32(rng.Intn(int(l.Height))),
				New: mapdoc.Tile{Index: uint8(rng.Intn(256)), Flags: uint8(rng.Intn(4))},
			}}, true
		},
		func() (Action, bool) {
			if len(quadLayers) == 0 {
				return Action{}, false
			}
			ref := quadLayers[rng.Intn(len(quadLayers))]
			return Action{Kind: KindQuadAdd, QuadAdd: &QuadAdd{
				Group: ref[0], Layer: ref[1], Quad: randomQuad(rng),
			}}, true
		},
		func() (Action, bool) {
			if len(quadLayers) == 0 {
				return Action{}, false
			}
			ref := quadLayers[rng.Intn(len(quadLayers))]
			l := doc.Layer(ref[0], ref[1])
			if len(l.Quads) == 0 {
				return Action{}, false
			}
			return Action{Kind: KindQuadMove, QuadMove: &QuadMove{
				Group: ref[0], Layer: ref[1],
				Index: rng.Intn(len(l.Quads)),
				New:   randomQuad(rng).Points,
			}}, true
		},
		func() (Action, bool) {
			if len(doc.Groups) == 0 {
				return Action{}, false
			}
			return Action{Kind: KindGroupRename, GroupRename: &GroupRename{
				Group: rng.Intn(len(doc.Groups)),
				New:   fmt.Sprintf("group-%04x", rng.Intn(0x10000)),
			}}, true
		},
		func() (Action, bool) {
			if len(doc.Groups) == 0 {
				return Action{}, false
			}
			return Action{Kind: KindLayerAdd, LayerAdd: &LayerAdd{
				Group: rng.Intn(len(doc.Groups)),
				Layer: mapdoc.NewQuadLayer(fmt.Sprintf("layer-%04x", rng.Intn(0x10000))),
			}}, true
		},
	}

	// Some generators have nothing to work with on a sparse document,
	// retry a few times before giving up.
	for attempt := 0; attempt < 8; attempt++ {
		if a, ok := gens[rng.Intn(len(gens))](); ok {
			return a, true
		}
	}
	return Action{}, false
}

func generateInvalid(rng *rand.Rand, doc *mapdoc.Document) Action {
	badGroup := len(doc.Groups) + 1 + rng.Intn(8)
	switch rng.Intn(4) {
	case 0:
		return Action{Kind: KindTileDraw, TileDraw: &TileDraw{
			Group: badGroup, Layer: 0, X: 0, Y: 0,
		}}
	case 1:
		return Action{Kind: KindQuadMove, QuadMove: &QuadMove{
			Group: badGroup, Layer: 0, Index: 0,
		}}
	case 2:
		return Action{Kind: KindGroupRename, GroupRename: &GroupRename{
			Group: badGroup, New: "nope",
		}}
	default:
		// Kind set, payload missing.
		return Action{Kind: KindQuadRemove}
	}
}

func layerIndexes(doc *mapdoc.Document) (tiles, quads [][2]int) {
	for gi := range doc.Groups {
		for li := range doc.Groups[gi].Layers {
			switch doc.Groups[gi].Layers[li].Kind {
			case mapdoc.KindTiles:
				tiles = append(tiles, [2]int{gi, li})
			case mapdoc.KindQuads:
				quads = append(quads, [2]int{gi, li})
			}
		}
	}
	return tiles, quads
}

func randomQuad(rng *rand.Rand) mapdoc.Quad {
	var q mapdoc.Quad
	for i := range q.Points {
		q.Points[i] = mapdoc.Point{
			X: int32(rng.Intn(4096) - 2048),
			Y: int32(rng.Intn(4096) - 2048),
		}
	}
	q.Color = mapdoc.Color{
		R: uint8(rng.Intn(256)),
		G: uint8(rng.Intn(256)),
		B: uint8(rng.Intn(256)),
		A: 255,
	}
	return q
}
