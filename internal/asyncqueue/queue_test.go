package asyncqueue

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sheerbytes/cloudxfer/internal/symm"
)

func TestQueue_RunsJobsWithKeyableCipher(t *testing.T) {
	q := New(2)
	t.Cleanup(q.Close)

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		q.Push(func(c *symm.Cipher) {
			defer wg.Done()
			assert.NoError(t, c.SetKey(bytes.Repeat([]byte{byte(i)}, symm.KeyLength)))
			ran.Add(1)
		}, false)
	}
	wg.Wait()
	assert.Equal(t, int32(20), ran.Load())
}

func TestQueue_CloseDropsOnlyDiscardable(t *testing.T) {
	q := New(1)

	block := make(chan struct{})
	started := make(chan struct{})
	q.Push(func(*symm.Cipher) {
		close(started)
		<-block
	}, false)
	<-started

	var kept, dropped atomic.Int32
	q.Push(func(*symm.Cipher) { dropped.Add(1) }, true)
	q.Push(func(*symm.Cipher) { kept.Add(1) }, false)
	q.Push(func(*symm.Cipher) { dropped.Add(1) }, true)

	go func() {
		for {
			q.mu.Lock()
			closed := q.closed
			q.mu.Unlock()
			if closed {
				close(block)
				return
			}
		}
	}()
	q.Close()

	assert.Equal(t, int32(1), kept.Load())
	assert.Equal(t, int32(0), dropped.Load())

	q.Push(func(*symm.Cipher) { kept.Add(1) }, false)
	q.Push(func(*symm.Cipher) { dropped.Add(1) }, true)
	assert.Equal(t, int32(2), kept.Load())
	assert.Equal(t, int32(0), dropped.Load())
}

func TestNilQueueRunsInline(t *testing.T) {
	var q *Queue
	ran := false
	q.Push(func(*symm.Cipher) { ran = true }, true)
	assert.True(t, ran)
	q.Close()
}
