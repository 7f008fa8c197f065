package action

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsyncd/internal/mapdoc"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	tiles := mapdoc.NewTileLayer("ground", 8, 8)
	quads := mapdoc.NewQuadLayer("decor")
	quads.Quads = append(quads.Quads, mapdoc.Quad{
		Points: [5]mapdoc.Point{{X: 0, Y: 0}, {X: 16, Y: 0}, {X: 0, Y: 16}, {X: 16, Y: 16}, {X: 8, Y: 8}},
	})
	doc := &mapdoc.Document{
		Groups: []mapdoc.Group{{Name: "main", Layers: []mapdoc.Layer{tiles, quads}}},
	}
	return NewModel(doc)
}

func TestDo_NormalizesOldState(t *testing.T) {
	m := testModel(t)
	m.Doc.Groups[0].Layers[0].Tiles[9] = mapdoc.Tile{Index: 5}

	a := Action{Kind: KindTileDraw, TileDraw: &TileDraw{
		Group: 0, Layer: 0, X: 1, Y: 1, New: mapdoc.Tile{Index: 42},
	}}
	norm, err := m.Do(&a)
	require.NoError(t, err)

	assert.Equal(t, mapdoc.Tile{Index: 5}, norm.TileDraw.Old)
	assert.Equal(t, mapdoc.Tile{Index: 42}, m.Doc.Groups[0].Layers[0].Tiles[9])
}

func TestDo_Rejections(t *testing.T) {
	tests := []struct {
		name string
		a    Action
		want error
	}{
		{
			name: "tile out of range",
			a:    Action{Kind: KindTileDraw, TileDraw: &TileDraw{Group: 0, Layer: 0, X: 8, Y: 0}},
			want: ErrOutOfRange,
		},
		{
			name: "missing group",
			a:    Action{Kind: KindGroupRename, GroupRename: &GroupRename{Group: 3, New: "x"}},
			want: ErrOutOfRange,
		},
		{
			name: "quad op on tile layer",
			a:    Action{Kind: KindQuadAdd, QuadAdd: &QuadAdd{Group: 0, Layer: 0}},
			want: ErrKindMismatch,
		},
		{
			name: "payload missing",
			a:    Action{Kind: KindQuadRemove},
			want: ErrMalformed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := testModel(t)
			_, err := m.Do(&tc.a)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDo_ErrorLeavesDocumentUnchanged(t *testing.T) {
	m := testModel(t)
	before := m.Doc.Clone()

	a := Action{Kind: KindQuadMove, QuadMove: &QuadMove{Group: 0, Layer: 1, Index: 5}}
	_, err := m.Do(&a)
	require.Error(t, err)
	assert.Equal(t, before.Groups, m.Doc.Groups)
}

func TestUndoRedo_Inverse(t *testing.T) {
	actions := []Action{
		{Kind: KindTileDraw, TileDraw: &TileDraw{Group: 0, Layer: 0, X: 2, Y: 3, New: mapdoc.Tile{Index: 9}}},
		{Kind: KindQuadAdd, QuadAdd: &QuadAdd{Group: 0, Layer: 1, Quad: mapdoc.Quad{Color: mapdoc.Color{R: 1}}}},
		{Kind: KindQuadRemove, QuadRemove: &QuadRemove{Group: 0, Layer: 1, Index: 0}},
		{Kind: KindQuadMove, QuadMove: &QuadMove{Group: 0, Layer: 1, Index: 0, New: [5]mapdoc.Point{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}, {X: 4, Y: 4}, {X: 5, Y: 5}}}},
		{Kind: KindLayerAdd, LayerAdd: &LayerAdd{Group: 0, Layer: mapdoc.NewQuadLayer("extra")}},
		{Kind: KindLayerRemove, LayerRemove: &LayerRemove{Group: 0, Index: 0}},
		{Kind: KindGroupRename, GroupRename: &GroupRename{Group: 0, New: "renamed"}},
		{Kind: KindResourceAdd, ResourceAdd: &ResourceAdd{Name: "r.png", Data: []byte{1, 2}}},
	}

	for _, a := range actions {
		a := a
		t.Run(a.Kind.String(), func(t *testing.T) {
			m := testModel(t)
			before := m.Doc.Clone()

			norm, err := m.Do(&a)
			require.NoError(t, err)
			after := m.Doc.Clone()

			require.NoError(t, m.Undo(norm))
			assert.Equal(t, before, m.Doc.Clone(), "undo must restore pre-do state")

			require.NoError(t, m.Redo(norm))
			assert.Equal(t, after, m.Doc.Clone(), "redo must restore post-do state")
		})
	}
}

func TestMerge_CoalescesGesture(t *testing.T) {
	m := testModel(t)

	first := Action{Kind: KindQuadMove, QuadMove: &QuadMove{Group: 0, Layer: 1, Index: 0, New: [5]mapdoc.Point{{X: 1, Y: 0}, {X: 2, Y: 0}, {X: 3, Y: 0}, {X: 4, Y: 0}, {X: 5, Y: 0}}}}
	second := Action{Kind: KindQuadMove, QuadMove: &QuadMove{Group: 0, Layer: 1, Index: 0, New: [5]mapdoc.Point{{X: 9, Y: 9}, {X: 9, Y: 9}, {X: 9, Y: 9}, {X: 9, Y: 9}, {X: 9, Y: 9}}}}

	n1, err := m.Do(&first)
	require.NoError(t, err)
	n2, err := m.Do(&second)
	require.NoError(t, err)

	merged, ok, err := m.Merge([]Action{*n1, *n2})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, merged, 1)

	p := merged[0].QuadMove
	assert.Equal(t, n1.QuadMove.Old, p.Old, "merged action keeps first old state")
	assert.Equal(t, n2.QuadMove.New, p.New, "merged action keeps last new state")

	// Undoing the single merged action restores the original position.
	require.NoError(t, m.Undo(&merged[0]))
	assert.Equal(t, mapdoc.Point{X: 0, Y: 0}, m.Doc.Groups[0].Layers[1].Quads[0].Points[0])
}

func TestMerge_IncompatibleKept(t *testing.T) {
	m := testModel(t)
	actions := []Action{
		{Kind: KindTileDraw, TileDraw: &TileDraw{X: 1, Y: 1, New: mapdoc.Tile{Index: 1}}},
		{Kind: KindTileDraw, TileDraw: &TileDraw{X: 2, Y: 2, New: mapdoc.Tile{Index: 2}}},
	}

	out, ok, err := m.Merge(actions)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, out, 2)
}

func TestGenerate_ValidBatchesApply(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m := testModel(t)

	for i := 0; i < 200; i++ {
		for _, a := range Generate(rng, m.Doc, true) {
			a := a
			_, err := m.Do(&a)
			require.NoError(t, err, "valid batch action %s rejected", a.Kind)
		}
	}
}

func TestGenerate_InvalidBatchesRejected(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	m := testModel(t)

	for i := 0; i < 200; i++ {
		batch := Generate(rng, m.Doc, false)
		require.NotEmpty(t, batch)
		for _, a := range batch {
			a := a
			_, err := m.Do(&a)
			require.Error(t, err, "invalid action %s applied", a.Kind)
		}
	}
}

func TestDescribe_Labels(t *testing.T) {
	a := Action{Kind: KindQuadMove, QuadMove: &QuadMove{Group: 0, Layer: 1, Index: 3}}
	assert.Equal(t, "undo move quad 3 on layer 0/1", DescribeForUndo(&a))
	assert.Equal(t, "redo move quad 3 on layer 0/1", DescribeForRedo(&a))
}
