package sequencer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerAddCarvesOverlap(t *testing.T) {
	tl := NewTriggerList(384, 0)
	_, err := tl.Add(0, 1535, 0)
	require.NoError(t, err)
	_, err = tl.Add(500, 699, 0)
	require.NoError(t, err)

	got := tl.Triggers()
	require.Len(t, got, 3)
	assert.Equal(t, Trigger{Start: 0, End: 499, Offset: 0}, got[0])
	assert.Equal(t, Trigger{Start: 500, End: 699, Offset: 0}, got[1])
	// The remainder still hears what it heard before the paste.
	assert.Equal(t, Trigger{Start: 700, End: 1535, Offset: 700 % 384}, got[2])
	require.NoError(t, tl.Verify())
}

func TestTriggerSplitIsSeamless(t *testing.T) {
	tl := NewTriggerList(384, 0)
	_, err := tl.Add(768, 1535, 0)
	require.NoError(t, err)

	_, before, ok := tl.StateAt(1000)
	require.True(t, ok)
	require.NoError(t, tl.SplitAt(1000))
	require.Equal(t, 2, tl.Len())

	_, after, ok := tl.StateAt(1000)
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(999), tl.Triggers()[0].End)
}

func TestTriggerSplitOutsideIsRejected(t *testing.T) {
	tl := NewTriggerList(384, 0)
	_, err := tl.Add(100, 200, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, tl.SplitAt(100), ErrInvariant)
	assert.ErrorIs(t, tl.SplitAt(300), ErrInvariant)
	assert.Equal(t, 1, tl.Len())
}

func TestTriggerMoveAndGrowRejectOverlap(t *testing.T) {
	tl := NewTriggerList(384, 0)
	_, _ = tl.Add(0, 99, 0)
	_, _ = tl.Add(200, 299, 0)

	assert.ErrorIs(t, tl.Grow(0, 150), ErrInvariant)
	assert.ErrorIs(t, tl.Move(0, 150), ErrInvariant)
	assert.ErrorIs(t, tl.Move(0, -1), ErrInvariant)
	assert.ErrorIs(t, tl.Grow(5, 1), ErrCapacity)

	require.NoError(t, tl.Move(1, 100))
	require.NoError(t, tl.Grow(0, 100))
	assert.Equal(t, int64(199), tl.Triggers()[0].End)
	assert.Equal(t, int64(300), tl.Triggers()[1].Start)
}

func TestTriggerCopyPasteAndMerge(t *testing.T) {
	tl := NewTriggerList(384, 0)
	_, _ = tl.Add(0, 383, 96)
	require.NoError(t, tl.Copy(0))

	id, err := tl.PasteAt(384)
	require.NoError(t, err)
	assert.Equal(t, Trigger{Start: 384, End: 767, Offset: 96}, tl.Triggers()[id])

	require.NoError(t, tl.Merge(0))
	assert.Equal(t, []Trigger{{Start: 0, End: 767, Offset: 96}}, tl.Triggers())
	assert.ErrorIs(t, tl.Merge(0), ErrInvariant)
}

func TestTriggerUndoIsBounded(t *testing.T) {
	tl := NewTriggerList(384, 4)
	for i := int64(0); i < 10; i++ {
		_, err := tl.Add(i*100, i*100+49, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, tl.UndoDepth())
	for tl.Undo() {
	}
	assert.Equal(t, 6, tl.Len())
	require.True(t, tl.Redo())
	assert.Equal(t, 7, tl.Len())
}

func TestTriggerDeleteSelected(t *testing.T) {
	tl := NewTriggerList(384, 0)
	_, _ = tl.Add(0, 99, 0)
	_, _ = tl.Add(100, 199, 0)
	require.NoError(t, tl.Select(1, true))
	assert.Equal(t, 1, tl.DeleteSelected())
	assert.Equal(t, 1, tl.Len())
	require.True(t, tl.Undo())
	assert.Equal(t, 2, tl.Len())
}

func TestTriggersStayDisjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	tl := NewTriggerList(384, 0)
	for round := 0; round < 2000; round++ {
		switch rng.Intn(6) {
		case 0:
			s := rng.Int63n(5000)
			_, _ = tl.Add(s, s+rng.Int63n(800), rng.Int63n(384))
		case 1:
			_ = tl.SplitAt(rng.Int63n(5000))
		case 2:
			if tl.Len() > 0 {
				_ = tl.Move(rng.Intn(tl.Len()), rng.Int63n(400)-200)
			}
		case 3:
			if tl.Len() > 0 {
				_ = tl.Copy(rng.Intn(tl.Len()))
			}
			_, _ = tl.PasteAt(rng.Int63n(5000))
		case 4:
			if tl.Len() > 0 {
				_ = tl.Grow(rng.Intn(tl.Len()), rng.Int63n(200)-100)
			}
		case 5:
			tl.Undo()
		}
		require.NoError(t, tl.Verify(), "round %d", round)
	}
}

func TestTriggerRescale(t *testing.T) {
	tl := NewTriggerList(384, 0)
	_, _ = tl.Add(0, 767, 96)
	tl.Rescale(768)
	assert.Equal(t, int64(192), tl.Triggers()[0].Offset)
	assert.Equal(t, int64(767), tl.Triggers()[0].End)
}

func TestTriggerCoarserResolution(t *testing.T) {
	tl := NewTriggerList(384, 0)
	for _, tr := range []Trigger{{Start: 0, End: 0}, {Start: 10, End: 10}, {Start: 11, End: 13}, {Start: 400, End: 799, Offset: 10}} {
		_, err := tl.Add(tr.Start, tr.End, tr.Offset)
		require.NoError(t, err)
	}

	tl.rescaleTime(96, 192)
	assert.Equal(t, []Trigger{
		{Start: 0, End: 0},
		{Start: 5, End: 6}, // 10 and 11-13 both land on 5
		{Start: 200, End: 399, Offset: 5},
	}, tl.Triggers())
	require.NoError(t, tl.Verify())
}
