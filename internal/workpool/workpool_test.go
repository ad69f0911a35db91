package workpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitDrainRoundTrip(t *testing.T) {
	p := New(2, 4, 16)
	defer p.Close()

	for i := uint64(0); i < 5; i++ {
		i := i
		err := p.Submit("sign", i, func() (any, error) {
			return i * 2, nil
		})
		require.NoError(t, err)
	}

	seen := map[uint64]bool{}
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < 5 && time.Now().Before(deadline) {
		for _, r := range p.Drain() {
			require.NoError(t, r.Err)
			require.Equal(t, r.Tag*2, r.Value.(uint64))
			seen[r.Tag] = true
		}
		time.Sleep(time.Millisecond)
	}
	require.Len(t, seen, 5)
}

func TestSubmitRejectsWhenFeatureQueueFull(t *testing.T) {
	p := New(1, 1, 4)
	defer p.Close()

	block := make(chan struct{})
	err := p.Submit("verify", 1, func() (any, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, err)

	err = p.Submit("verify", 2, func() (any, error) { return nil, nil })
	require.Error(t, err)
	close(block)
}
