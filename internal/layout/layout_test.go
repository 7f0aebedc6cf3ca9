package layout

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_FullRectCoversPage(t *testing.T) {
	b := Map(Rect{X: 0, Y: 0, Width: 1, Height: 1}, 1200, 800)

	if diff := cmp.Diff(Box{X: 0, Y: 0, W: 1200, H: 800}, b); diff != "" {
		t.Errorf("Map() mismatch (-want +got):\n%s", diff)
	}
}

func TestMap_ScalesPositionAndSize(t *testing.T) {
	b := Map(Rect{X: 0.5, Y: 0.25, Width: 0.1, Height: 0.2}, 600, 400)

	assert.InDelta(t, 300, b.X, 1e-9)
	assert.InDelta(t, 100, b.Y, 1e-9)
	assert.InDelta(t, 60, b.W, 1e-9)
	assert.InDelta(t, 80, b.H, 1e-9)
	assert.InDelta(t, 220, b.BottomUpY(400), 1e-9)
	assert.InDelta(t, 60, b.Side(), 1e-9)
}

func TestMap_FontMetricsPassThroughUnscaled(t *testing.T) {
	fs, ls := 14.0, 3.5
	b := Map(Rect{X: 0.1, Y: 0.1, Width: 0.5, Height: 0.5, FontSize: &fs, LineSpacing: &ls}, 2000, 3000)

	assert.Equal(t, 14.0, b.FontSize)
	assert.Equal(t, 3.5, b.LineSpacing)
}

func TestNormalize_FallsBackToDefault(t *testing.T) {
	got := Normalize(nil, &DefaultQRArea)
	require.NotNil(t, got)
	assert.Equal(t, DefaultQRArea, *got)
}

func TestNormalize_NilWithoutFallback(t *testing.T) {
	assert.Nil(t, Normalize(nil, nil))
}

func TestNormalize_InvalidUsesFallback(t *testing.T) {
	bad := &Rect{X: math.NaN(), Y: 0, Width: 0.5, Height: 0.5}

	got := Normalize(bad, &DefaultQRArea)
	require.NotNil(t, got)
	assert.Equal(t, DefaultQRArea.X, got.X)

	assert.Nil(t, Normalize(bad, nil))
}

func TestNormalize_Clamps(t *testing.T) {
	got := Normalize(&Rect{X: -0.2, Y: 1.4, Width: 0, Height: 3}, nil)
	require.NotNil(t, got)

	assert.Equal(t, 0.0, got.X)
	assert.Equal(t, 1.0, got.Y)
	assert.Equal(t, 0.02, got.Width)
	assert.Equal(t, 1.0, got.Height)
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	in := &Rect{X: 2, Y: 2, Width: 2, Height: 2}
	_ = Normalize(in, nil)
	assert.Equal(t, 2.0, in.X)
}

func TestResolve(t *testing.T) {
	_, ok := Resolve(nil, nil, 100, 100)
	assert.False(t, ok)

	b, ok := Resolve(nil, &DefaultQRArea, 1000, 1000)
	require.True(t, ok)
	assert.InDelta(t, 650, b.X, 1e-9)
	assert.InDelta(t, 100, b.Y, 1e-9)
	assert.InDelta(t, 250, b.W, 1e-9)
}
