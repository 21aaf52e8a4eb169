package doorbell

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-porter/pkg/audioio"
)

func TestFFmpegSourceArgs(t *testing.T) {
	src := NewFFmpegSource(FFmpegConfig{URL: "rtsp://admin:pw@192.168.1.40:554/Preview_01_main"})
	args := src.Args()

	assert.Equal(t, "ffmpeg", src.cfg.Path)
	assert.Subset(t, args, []string{"-rtsp_transport", "tcp", "pcm_s16le", "s16le", "pipe:1"})
	assert.Contains(t, args, "rtsp://admin:pw@192.168.1.40:554/Preview_01_main")
	assert.Contains(t, args, "24000")
	assert.Equal(t, audioio.PCM16Mono24k, src.Format())
}

func TestFFmpegSourceFrames(t *testing.T) {
	src := NewFFmpegSource(FFmpegConfig{Audio: audioio.Config{ChunkSize: 960}})

	// three whole frames plus a torn one
	stream := bytes.Repeat([]byte{0x10, 0x00}, 480*3+100)
	go src.readLoop(bytes.NewReader(stream))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := uint64(1); i <= 3; i++ {
		f, err := src.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, f.Seq)
		assert.Len(t, f.Data, 960)
		assert.Equal(t, audioio.Inbound, f.Direction)
		assert.Equal(t, 20*time.Millisecond, f.Duration())
	}

	_, err := src.Read(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "ffmpeg exited")

	assert.Equal(t, int64(3), src.Stats().FramesRead)
}

func TestFFmpegSourceDefaultChunk(t *testing.T) {
	src := NewFFmpegSource(FFmpegConfig{})
	assert.Equal(t, audioio.DefaultConfig(), src.cfg.Audio)

	stream := bytes.Repeat([]byte{0x01, 0x00}, 1024)
	go src.readLoop(bytes.NewReader(stream))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	f, err := src.Read(ctx)
	require.NoError(t, err)
	// chunk_size counts bytes
	assert.Len(t, f.Data, 1024)
	assert.Equal(t, src.cfg.Audio.ChunkDuration(), f.Duration())

	f, err = src.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, f.Data, 1024)
}

func TestFFmpegSourceClose(t *testing.T) {
	src := NewFFmpegSource(FFmpegConfig{Audio: audioio.Config{ChunkSize: 960}})
	pr, pw := io.Pipe()
	defer pw.Close()
	go src.readLoop(pr)

	errCh := make(chan error, 1)
	go func() {
		_, err := src.Read(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, src.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("read did not return after Close")
	}
	assert.ErrorIs(t, src.Start(context.Background()), io.ErrClosedPipe)
}

func TestFFmpegSourceMissingBinary(t *testing.T) {
	src := NewFFmpegSource(FFmpegConfig{Path: "/nonexistent/ffmpeg", URL: "rtsp://127.0.0.1/x"})
	err := src.Start(context.Background())
	assert.ErrorContains(t, err, "start ffmpeg")
}
