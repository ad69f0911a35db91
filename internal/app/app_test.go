package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEchoReturnsRequestUnchanged(t *testing.T) {
	resp, err := Echo{}.Execute([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, resp)
}

func TestFlipMatchesAbcdToEfghScenario(t *testing.T) {
	resp, err := NewFlip().Execute([]byte("abcd"))
	require.NoError(t, err)
	require.Equal(t, "efgh", string(resp))
}

func TestKVSetThenGetRoundTrip(t *testing.T) {
	kv := NewKV()

	setResp, err := kv.Execute(EncodeSet("key", []byte("value")))
	require.NoError(t, err)
	require.Equal(t, []byte{1}, setResp)

	getResp, err := kv.Execute(EncodeGet("key"))
	require.NoError(t, err)
	value, found, err := DecodeGetResponse(getResp)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value", string(value))
}

func TestKVGetMissingKeyNotFound(t *testing.T) {
	kv := NewKV()
	getResp, err := kv.Execute(EncodeGet("missing"))
	require.NoError(t, err)
	_, found, err := DecodeGetResponse(getResp)
	require.NoError(t, err)
	require.False(t, found)
}

func TestKVOverwritesExistingKey(t *testing.T) {
	kv := NewKV()
	_, err := kv.Execute(EncodeSet("key", []byte("first")))
	require.NoError(t, err)
	_, err = kv.Execute(EncodeSet("key", []byte("second")))
	require.NoError(t, err)

	getResp, err := kv.Execute(EncodeGet("key"))
	require.NoError(t, err)
	value, found, err := DecodeGetResponse(getResp)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "second", string(value))
}

func TestKVRejectsUnknownOpcode(t *testing.T) {
	kv := NewKV()
	_, err := kv.Execute([]byte{99})
	require.Error(t, err)
}
