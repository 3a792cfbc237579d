package bootstrapctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentboard/pkg/bus"
	"agentboard/services/bootstrap"
)

type fakeSubscriber struct {
	subject string
	ready   chan func(context.Context, []byte) error
	closed  chan struct{}
	err     error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{ready: make(chan func(context.Context, []byte) error, 1), closed: make(chan struct{})}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, subj, _ string, fn func(context.Context, []byte) error) (io.Closer, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject = subj
	f.ready <- fn
	return closerFunc(func() error { close(f.closed); return nil }), nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchFiltersByProject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := newFakeSubscriber()
	out := &lockedBuffer{}

	done := make(chan error, 1)
	go func() { done <- Watch(ctx, sub, "acme/widgets", out) }()

	var handler func(context.Context, []byte) error
	select {
	case handler = <-sub.ready:
	case <-time.After(time.Second):
		t.Fatal("watch never subscribed")
	}
	assert.Equal(t, bus.StreamSubjects, sub.subject)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mine, _ := json.Marshal(bootstrap.Event{
		RunID: "run-1", ProjectID: "acme/widgets", Status: bootstrap.StatusFailed,
		Step: bootstrap.StepVerifyDeployment, StepStatus: bootstrap.StatusFailed, Kind: bootstrap.KindNetwork, At: at,
	})
	other, _ := json.Marshal(bootstrap.Event{RunID: "run-2", ProjectID: "other", Status: bootstrap.StatusRunning, At: at})

	require.NoError(t, handler(ctx, mine))
	require.NoError(t, handler(ctx, other))
	require.NoError(t, handler(ctx, []byte("not json")))

	cancel()
	require.NoError(t, <-done)

	select {
	case <-sub.closed:
	default:
		t.Fatal("subscription was not closed")
	}

	got := out.String()
	assert.Contains(t, got, "2026-03-01T12:00:00Z  run run-1  project acme/widgets  status failed  step verify_deployment=failed  kind network_error")
	assert.NotContains(t, got, "run-2")
}

func TestWatchSubscribeError(t *testing.T) {
	sub := newFakeSubscriber()
	sub.err = errors.New("no stream")

	err := Watch(context.Background(), sub, "", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stream")
}
