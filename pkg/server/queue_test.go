package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/voxlink/pkg/protocol"
)

func TestCommandQueueGrowsPastCapacity(t *testing.T) {
	q := newCommandQueue(1)
	for i := 1; i <= 5; i++ {
		assert.Equal(t, i, q.push(command{op: protocol.OpVolume}))
	}
	assert.Equal(t, 5, q.depth())
}

func TestCommandQueueIsFIFO(t *testing.T) {
	q := newCommandQueue(2)
	q.push(command{op: protocol.OpConnect})
	q.push(command{op: protocol.OpPlay})
	q.push(command{op: protocol.OpStop})

	done := make(chan struct{})
	for _, want := range []protocol.Op{protocol.OpConnect, protocol.OpPlay, protocol.OpStop} {
		cmd, ok := q.pop(done)
		require.True(t, ok)
		assert.Equal(t, want, cmd.op)
	}
}

func TestCommandQueuePopWaitsForPush(t *testing.T) {
	q := newCommandQueue(0)
	got := make(chan protocol.Op, 1)
	go func() {
		cmd, ok := q.pop(make(chan struct{}))
		if ok {
			got <- cmd.op
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.push(command{op: protocol.OpPause})
	select {
	case op := <-got:
		assert.Equal(t, protocol.OpPause, op)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestCommandQueueCloseDrainsThenStops(t *testing.T) {
	q := newCommandQueue(4)
	q.push(command{op: protocol.OpSeek})
	q.close()
	assert.Zero(t, q.push(command{op: protocol.OpStop}))

	done := make(chan struct{})
	cmd, ok := q.pop(done)
	require.True(t, ok)
	assert.Equal(t, protocol.OpSeek, cmd.op)
	_, ok = q.pop(done)
	assert.False(t, ok)
}

func TestCommandQueuePopStopsOnDone(t *testing.T) {
	q := newCommandQueue(4)
	done := make(chan struct{})
	close(done)
	_, ok := q.pop(done)
	assert.False(t, ok)
}
