package hctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_NewAndWithFrom(t *testing.T) {
	st := New("t1", nil)
	require.NotNil(t, st)

	ctx := WithState(context.Background(), st)
	got, ok := From(ctx)
	require.True(t, ok, "From should find state")
	require.Same(t, st, got, "should retrieve the same pointer")
	require.Equal(t, "t1", got.TaskID)
}

func TestState_From_Absent(t *testing.T) {
	ctx := context.Background()
	st, ok := From(ctx)
	require.False(t, ok)
	require.Nil(t, st)
}

func TestState_ProgressClampsAndOnlyMovesForward(t *testing.T) {
	var reported []float64
	st := New("t1", func(p float64) { reported = append(reported, p) })

	st.SetProgress(-1)
	require.Equal(t, 0.0, st.Progress())
	st.SetProgress(0.4)
	st.SetProgress(0.2)
	st.SetProgress(7)
	require.Equal(t, 1.0, st.Progress())
	require.Equal(t, []float64{0.4, 1}, reported)
}
