package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingWriter struct {
	release chan struct{}
	calls   chan int
}

func (w *blockingWriter) UpdateTokenGroupIndex(_ context.Context, _ int64, index int) error {
	<-w.release
	w.calls <- index
	return nil
}

func TestGroupIndexRecorder_NeverBlocksAndDropsWhenFull(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{}), calls: make(chan int, 16)}
	r := NewGroupIndexRecorder(w, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Record(1, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked")
	}
	assert.Positive(t, r.Dropped())

	close(w.release)
	require.NoError(t, r.Close(context.Background()))
	// Close 之后的记录被忽略
	r.Record(1, 99)
}

func TestGroupIndexRecorder_IgnoresInvalidToken(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{}), calls: make(chan int, 1)}
	close(w.release)
	r := NewGroupIndexRecorder(w, 4)
	r.Record(0, 3)
	require.NoError(t, r.Close(context.Background()))
	assert.Empty(t, w.calls)

	var nilRecorder *GroupIndexRecorder
	nilRecorder.Record(1, 1)
}
