package multicast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnicast(t *testing.T) {
	_, err := New("127.0.0.1:1558")
	require.ErrorContains(t, err, "not a multicast address")

	_, err = New("not an address")
	require.Error(t, err)
}
