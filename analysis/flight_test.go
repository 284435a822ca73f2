package analysis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hannes/policylens/scraper"
	"github.com/hannes/policylens/store"
)

// gatedFetcher holds every fetch until release is closed or the fetch
// context ends.
type gatedFetcher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{started: make(chan struct{}), release: make(chan struct{})}
}

func (f *gatedFetcher) Fetch(ctx context.Context, url string) (*scraper.Page, error) {
	f.once.Do(func() { close(f.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.release:
	}
	return &scraper.Page{
		URL:         url,
		Paragraphs:  []string{"We collect your email address for marketing."},
		LastUpdated: strPtr("2024-01-01"),
	}, nil
}

func TestManager_SharedRunSurvivesCancelledCaller(t *testing.T) {
	f := newGatedFetcher()
	a := &fakeAnalyzer{}
	m := NewManager(f, a, store.NewMemory(), Options{}, zap.NewNop())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := m.Analyze(ctxA, Request{URL: policyURL})
		errA <- err
	}()
	<-f.started

	type outcome struct {
		res *Result
		err error
	}
	resB := make(chan outcome, 1)
	go func() {
		res, err := m.Analyze(context.Background(), Request{URL: policyURL})
		resB <- outcome{res, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	time.Sleep(50 * time.Millisecond)
	close(f.release)

	select {
	case out := <-resB:
		require.NoError(t, out.err)
		assert.False(t, out.res.Cached)
		assert.Equal(t, policyURL, out.res.URL)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, 1, a.count())
}

func TestManager_SharedRunTimeout(t *testing.T) {
	f := newGatedFetcher()
	m := NewManager(f, &fakeAnalyzer{}, store.NewMemory(), Options{Timeout: 20 * time.Millisecond}, zap.NewNop())

	_, err := m.Analyze(context.Background(), Request{URL: policyURL})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
