package eventstream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	s := New()
	var got1, got2 []any
	s.Subscribe(func(event any) { got1 = append(got1, event) })
	s.Subscribe(func(event any) { got2 = append(got2, event) })

	s.Publish("a")
	s.Publish("b")

	assert.Equal(t, []any{"a", "b"}, got1)
	assert.Equal(t, []any{"a", "b"}, got2)
}

func TestPublishIsSynchronous(t *testing.T) {
	s := New()
	handled := false
	s.Subscribe(func(any) { handled = true })
	s.Publish(struct{}{})
	require.True(t, handled, "Publish returned before the subscriber ran")
}

func TestUnsubscribe(t *testing.T) {
	s := New()
	n := 0
	sub := s.Subscribe(func(any) { n++ })
	s.Publish(1)
	s.Unsubscribe(sub)
	s.Unsubscribe(sub) // second time is a no-op
	s.Publish(2)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Len())
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	s := New()
	var mu sync.Mutex
	n := 0
	s.Subscribe(func(any) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Publish(j)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := s.Subscribe(func(any) {})
			s.Unsubscribe(sub)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 800, n)
}
