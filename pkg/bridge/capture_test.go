package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-porter/pkg/audioio"
	"github.com/teslashibe/go-porter/pkg/turn"
)

func pcmFrame(seq uint64) audioio.Frame {
	return audioio.Frame{
		Seq:       seq,
		Direction: audioio.Inbound,
		Format:    audioio.PCM16Mono24k,
		Data:      make([]byte, 960),
	}
}

func TestCaptureOrderAndGaps(t *testing.T) {
	src := audioio.NewMockSource(audioio.PCM16Mono24k, nil)
	for _, seq := range []uint64{1, 2, 3, 4, 5, 7, 6, 8} {
		src.Push(pcmFrame(seq))
	}
	src.Fail(errors.New("rtsp connection reset"))

	c := NewCapture(src, nil, nil)

	var got []uint64
	err := c.Run(context.Background(), func(f audioio.Frame) error {
		got = append(got, f.Seq)
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptureStream)
	assert.ErrorContains(t, err, "rtsp connection reset")

	var ce *CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "mock", ce.Source)

	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 7, 8}, got)
	assert.Equal(t, CaptureStats{Frames: 7, Missing: 1, Discarded: 1}, c.Stats())
}

func TestCaptureZeroBasedSequence(t *testing.T) {
	src := audioio.NewMockSource(audioio.PCM16Mono24k, nil)
	for _, seq := range []uint64{0, 0, 2, 3} {
		src.Push(pcmFrame(seq))
	}
	src.Fail(errors.New("eof"))

	c := NewCapture(src, nil, nil)

	var got []uint64
	err := c.Run(context.Background(), func(f audioio.Frame) error {
		got = append(got, f.Seq)
		return nil
	})
	require.Error(t, err)

	assert.Equal(t, []uint64{0, 2, 3}, got)
	assert.Equal(t, CaptureStats{Frames: 3, Missing: 1, Discarded: 1}, c.Stats())
}

func TestCaptureStopsOnCancel(t *testing.T) {
	src := audioio.NewMockSource(audioio.PCM16Mono24k, nil)
	c := NewCapture(src, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx, func(audioio.Frame) error { return nil })
	}()

	src.Push(pcmFrame(1))
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("capture did not stop")
	}
}

func TestCaptureSourceClosed(t *testing.T) {
	src := audioio.NewMockSource(audioio.PCM16Mono24k, nil)
	require.NoError(t, src.Close())

	err := NewCapture(src, nil, nil).Run(context.Background(), func(audioio.Frame) error { return nil })
	assert.ErrorIs(t, err, ErrCaptureStream)
}

func TestCaptureEmitError(t *testing.T) {
	src := audioio.NewMockSource(audioio.PCM16Mono24k, nil)
	src.Push(pcmFrame(1))

	linkErr := errors.New("link closed")
	err := NewCapture(src, nil, nil).Run(context.Background(), func(audioio.Frame) error { return linkErr })

	assert.ErrorIs(t, err, linkErr)
	assert.NotErrorIs(t, err, ErrCaptureStream)
}

func TestCaptureDrivesTurnTaking(t *testing.T) {
	ctrl, err := turn.NewController(turn.DefaultConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	var transitions []string
	ctrl.OnChange(func(from, to turn.State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	src := audioio.NewMockSource(audioio.PCM16Mono24k, nil)
	// 20 ms frames: 300 ms of speech then 800 ms of silence
	src.PushTone(15, 480, 440, 0.5)
	src.PushSilence(40, 480)
	total := 55

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seqs []uint64
	err = NewCapture(src, ctrl, nil).Run(ctx, func(f audioio.Frame) error {
		seqs = append(seqs, f.Seq)
		if len(seqs) == total {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, seqs, total)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}

	assert.Equal(t, turn.Idle, ctrl.State())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"idle->visitor_speaking",
		"visitor_speaking->transitioning",
		"transitioning->idle",
	}, transitions)
}
