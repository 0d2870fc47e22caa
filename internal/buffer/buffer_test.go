package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", DropOldest, false},
		{"drop-oldest", DropOldest, false},
		{"drop-newest", DropNewest, false},
		{"block", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int](4, DropOldest)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 0, q.Push(i))
	}
	assert.Equal(t, 3, q.Len())

	for i := 1; i <= 3; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestQueueOverflow(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   []int
	}{
		{"drop oldest keeps newest", DropOldest, []int{3, 4, 5}},
		{"drop newest keeps oldest", DropNewest, []int{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue[int](3, tt.policy)
			dropped := 0
			for i := 1; i <= 5; i++ {
				dropped += q.Push(i)
			}
			assert.Equal(t, 2, dropped)
			assert.Equal(t, uint64(2), q.Dropped())
			assert.Equal(t, uint64(5), q.Pushed())

			var got []int
			for {
				v, ok := q.Pop()
				if !ok {
					break
				}
				got = append(got, v)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueuePushNeverBlocks(t *testing.T) {
	q := NewQueue[int](10, DropOldest)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100000; i++ {
			q.Push(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("push blocked on a full queue")
	}
	assert.Equal(t, 10, q.Len())
	assert.Equal(t, uint64(100000-10), q.Dropped())
}

func TestQueueDiscard(t *testing.T) {
	q := NewQueue[string](5, DropOldest)
	q.Push("a")
	q.Push("b")
	q.Push("c")

	assert.Equal(t, 3, q.Discard())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(3), q.Dropped())

	q.Push("d")
	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "d", v)
}

func TestMergerRoundRobin(t *testing.T) {
	a := NewQueue[int](10, DropOldest)
	b := NewQueue[int](10, DropOldest)
	m := NewMerger[int]()
	m.Add("a", a)
	m.Add("b", b)

	for i := 0; i < 5; i++ {
		a.Push(i)
	}
	b.Push(100)
	b.Push(101)

	var sources []string
	for {
		item, ok := m.TryNext()
		if !ok {
			break
		}
		sources = append(sources, item.Source)
	}
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "a", "a"}, sources)
}

func TestMergerPreservesPerSourceOrder(t *testing.T) {
	a := NewQueue[int](100, DropOldest)
	b := NewQueue[int](100, DropOldest)
	m := NewMerger[int]()
	m.Add("a", a)
	m.Add("b", b)

	for i := 0; i < 50; i++ {
		a.Push(i)
		b.Push(i)
	}

	last := map[string]int{"a": -1, "b": -1}
	for i := 0; i < 100; i++ {
		item, ok := m.TryNext()
		require.True(t, ok)
		assert.Greater(t, item.Value, last[item.Source])
		last[item.Source] = item.Value
	}
}

func TestMergerNextWaits(t *testing.T) {
	q := NewQueue[int](10, DropOldest)
	m := NewMerger[int]()
	m.Add("a", q)

	got := make(chan Item[int], 1)
	go func() {
		item, err := m.Next(context.Background())
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(42)

	select {
	case item := <-got:
		assert.Equal(t, Item[int]{Source: "a", Value: 42}, item)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestMergerNextCancel(t *testing.T) {
	m := NewMerger[int]()
	m.Add("a", NewQueue[int](1, DropOldest))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMergerConcurrentWorkers(t *testing.T) {
	const producers, perProducer, workers = 4, 500, 3

	m := NewMerger[int]()
	queues := make([]*Queue[int], producers)
	for i := range queues {
		queues[i] = NewQueue[int](perProducer, DropOldest)
		m.Add(string(rune('a'+i)), queues[i])
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	counts := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := m.Next(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				counts[item.Source]++
				mu.Unlock()
			}
		}()
	}

	for _, q := range queues {
		go func(q *Queue[int]) {
			for i := 0; i < perProducer; i++ {
				q.Push(i)
			}
		}(q)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, n := range counts {
			total += n
		}
		return total == producers*perProducer
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
	for _, n := range counts {
		assert.Equal(t, perProducer, n)
	}
}

func TestMergerDiscard(t *testing.T) {
	a := NewQueue[int](10, DropOldest)
	b := NewQueue[int](10, DropOldest)
	m := NewMerger[int]()
	m.Add("a", a)
	m.Add("b", b)

	a.Push(1)
	a.Push(2)
	b.Push(3)

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, m.Discard())
	assert.Equal(t, 0, m.Len())
}
