package automap

import (
	"fmt"
	"math/rand"

	"mapsyncd/internal/action"
	"mapsyncd/internal/mapdoc"
)

// Apply runs a rule over a tile layer and returns the resulting tile
// edits as ordinary actions. The caller feeds them through the normal
// submission pipeline so auto-mapped edits are validated, recorded, and
// broadcast like hand-made ones. Deterministic for a given seed.
func Apply(rule *Rule, doc *mapdoc.Document, group, layer int, seed uint64) ([]action.Action, error) {
	l := doc.Layer(group, layer)
	if l == nil {
		return nil, fmt.Errorf("automap: layer %d/%d out of range", group, layer)
	}
	if l.Kind != mapdoc.KindTiles {
		return nil, fmt.Errorf("automap: layer %d/%d is not a tile layer", group, layer)
	}

	rng := rand.New(rand.NewSource(int64(seed)))
	var out []action.Action
	for y := uint32(0); y < l.Height; y++ {
		for x := uint32(0); x < l.Width; x++ {
			tile := l.Tiles[y*l.Width+x]
			for _, e := range rule.Entries {
				if tile.Index != e.Match {
					continue
				}
				if e.Chance > 0 && rng.Intn(100) >= e.Chance {
					continue
				}
				if e.Place == tile.Index {
					continue
				}
				out = append(out, action.Action{
					Kind: action.KindTileDraw,
					TileDraw: &action.TileDraw{
						Group: group,
						Layer: layer,
						X:     x,
						Y:     y,
						New:   mapdoc.Tile{Index: e.Place, Flags: tile.Flags},
					},
				})
				break
			}
		}
	}
	return out, nil
}
