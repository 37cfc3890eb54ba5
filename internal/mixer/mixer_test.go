package mixer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	require.Equal(t, Hash([]byte("user-1")), Hash([]byte("user-1")))
}

func TestHashDistinguishesInputs(t *testing.T) {
	require.NotEqual(t, Hash([]byte("user-1")), Hash([]byte("user-2")))
}

func TestHashStringMatchesHash(t *testing.T) {
	require.Equal(t, Hash([]byte("abc")), HashString("abc"))
}
