package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestSealOpen(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	sealed, err := box.Seal("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", sealed)

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", opened)
}

func TestOpenRejectsTampering(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	_, err = box.Open("bm90LWEtcmVhbC1jaXBoZXJ0ZXh0LWF0LWFsbA==")
	assert.Error(t, err)

	_, err = box.Open("%%%")
	assert.Error(t, err)
}

func TestBoxWithoutKey(t *testing.T) {
	box, err := NewBox("")
	require.NoError(t, err)
	assert.False(t, box.Enabled())

	opened, err := box.Open("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", opened)

	_, err = box.Seal("x")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestNewBoxKeyLength(t *testing.T) {
	_, err := NewBox("short")
	assert.Error(t, err)
}
