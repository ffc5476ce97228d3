package chatclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/models"
)

type fakeLister struct {
	mu     sync.Mutex
	counts []int
	err    error
	calls  atomic.Int32
}

func (f *fakeLister) set(counts ...int) {
	f.mu.Lock()
	f.counts = counts
	f.mu.Unlock()
}

func (f *fakeLister) ListConversations(context.Context) ([]models.ConversationView, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	views := make([]models.ConversationView, 0, len(f.counts))
	for _, n := range f.counts {
		views = append(views, models.ConversationView{MyUnreadCount: n})
	}
	return views, nil
}

func TestUnreadPollerSumsAndNotifiesOnChange(t *testing.T) {
	lister := &fakeLister{}
	lister.set(2, 0, 3)
	p := NewUnreadPoller(lister, time.Hour, discardLogger())

	var seen []int
	p.OnChange(func(total int) { seen = append(seen, total) })

	total, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	_, err = p.Refresh(context.Background())
	require.NoError(t, err)

	lister.set(0)
	_, err = p.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{5, 0}, seen)
	assert.Equal(t, 0, p.Total())
}

func TestUnreadPollerFirstZeroIsReported(t *testing.T) {
	p := NewUnreadPoller(&fakeLister{}, time.Hour, discardLogger())
	var seen []int
	p.OnChange(func(total int) { seen = append(seen, total) })

	_, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0}, seen)
}

func TestUnreadPollerKeepsLastTotalOnError(t *testing.T) {
	lister := &fakeLister{}
	lister.set(4)
	p := NewUnreadPoller(lister, time.Hour, discardLogger())
	_, err := p.Refresh(context.Background())
	require.NoError(t, err)

	lister.mu.Lock()
	lister.err = errors.New("offline")
	lister.mu.Unlock()

	_, err = p.Refresh(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 4, p.Total())
}

func TestUnreadPollerRunPollsUntilCancelled(t *testing.T) {
	lister := &fakeLister{}
	lister.set(1)
	p := NewUnreadPoller(lister, 20*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return lister.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	lister.set(1, 1)
	require.Eventually(t, func() bool { return p.Total() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestUnreadPollerDefaultInterval(t *testing.T) {
	p := NewUnreadPoller(&fakeLister{}, 0, nil)
	assert.Equal(t, DefaultUnreadInterval, p.interval)
}
