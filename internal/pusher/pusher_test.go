package pusher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydaemon/rtmprelay/internal/clipqueue"
)

type fakeQueue struct {
	clips chan *clipqueue.Clip
	last  *clipqueue.Clip
}

func (q *fakeQueue) Get(ctx context.Context, timeout time.Duration) (*clipqueue.Clip, error) {
	select {
	case c := <-q.clips:
		if c != nil {
			q.last = c
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

func (q *fakeQueue) Last() *clipqueue.Clip { return q.last }

func catPushArgs(channelPath, sinkURL string) []string {
	return []string{"-c", "cat '" + channelPath + "' > '" + sinkURL + "'"}
}

func TestEnsureChannelCreatesFIFO(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ChannelName)

	require.NoError(t, ensureChannel(path))
	info, err := os.Lstat(path)
	require.NoError(t, err)
	assert.NotEqual(t, os.FileMode(0), info.Mode()&os.ModeNamedPipe)
}

func TestEnsureChannelReplacesRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ChannelName)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	require.NoError(t, ensureChannel(path))
	info, err := os.Lstat(path)
	require.NoError(t, err)
	assert.NotEqual(t, os.FileMode(0), info.Mode()&os.ModeNamedPipe)
}

func TestEnsureChannelIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ChannelName)
	require.NoError(t, ensureChannel(path))
	require.NoError(t, ensureChannel(path))
}

func TestPusherStreamsClipThenCancels(t *testing.T) {
	dir := t.TempDir()
	sink := filepath.Join(dir, "sink.out")

	clipPath := filepath.Join(dir, "clip-1.ts")
	require.NoError(t, os.WriteFile(clipPath, []byte("hello world"), 0o644))

	q := &fakeQueue{clips: make(chan *clipqueue.Clip, 1)}
	q.clips <- &clipqueue.Clip{Path: clipPath, EnqueuedAt: time.Now()}

	p := New(Config{
		BufferDir: dir,
		SinkURL:   sink,
		Queue:     q,
		PushBin:   "/bin/sh",
		PushArgs:  catPushArgs,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, statErr := os.Stat(clipPath)
	assert.True(t, os.IsNotExist(statErr), "streamed clip should be unlinked")

	data, err := os.ReadFile(sink)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello world")
}

func TestPusherRepeatsLastGoodOnStarvation(t *testing.T) {
	dir := t.TempDir()
	sink := filepath.Join(dir, "sink.out")

	lastPath := filepath.Join(dir, "clip-last.ts")
	require.NoError(t, os.WriteFile(lastPath, []byte("filler"), 0o644))

	q := &fakeQueue{clips: make(chan *clipqueue.Clip), last: &clipqueue.Clip{Path: lastPath, EnqueuedAt: time.Now()}}

	p := New(Config{
		BufferDir: dir,
		SinkURL:   sink,
		Queue:     q,
		PushBin:   "/bin/sh",
		PushArgs:  catPushArgs,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	_, err := os.Stat(lastPath)
	assert.NoError(t, err, "last-good filler clip must never be unlinked")

	data, err := os.ReadFile(sink)
	require.NoError(t, err)
	assert.Contains(t, string(data), "filler", "last-good should have been re-streamed as filler")
}

func TestDefaultPushArgsContainsContract(t *testing.T) {
	args := DefaultPushArgs("/tmp/mux.ts", "rtmp://sink/live")
	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	assert.Contains(t, joined, "-g 60")
	assert.Contains(t, joined, "flv")
	assert.Contains(t, joined, "rtmp://sink/live")
}
