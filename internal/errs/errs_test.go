package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfFollowsWrapping(t *testing.T) {
	sentinel := New(KindNotFound, "pass not found")
	wrapped := fmt.Errorf("loading: %w", sentinel)

	require.Equal(t, KindNotFound, KindOf(wrapped))
	require.True(t, errors.Is(wrapped, sentinel))
	require.Equal(t, "pass not found", sentinel.Error())
}

func TestWrapUsesOutermostKind(t *testing.T) {
	inner := New(KindNotFound, "blob not found")
	err := Wrap(KindUpstream, "build bundle", inner)

	require.Equal(t, KindUpstream, KindOf(err))
	require.True(t, errors.Is(err, inner))
	require.Equal(t, "build bundle: blob not found", err.Error())
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(KindPersistence, "save", nil))
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.False(t, Is(nil, KindUnknown))
}
