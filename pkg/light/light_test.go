package light

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBulb records the bytes of each connection.
func fakeBulb(t *testing.T) (string, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan []byte, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(time.Second))
			b, _ := io.ReadAll(conn)
			conn.Close()
			got <- b
		}
	}()
	return ln.Addr().String(), got
}

func TestMagicHome(t *testing.T) {
	addr, got := fakeBulb(t)
	m, err := NewMagicHome(addr, nil)
	require.NoError(t, err)

	require.NoError(t, m.TurnOn(context.Background()))
	assert.Equal(t, []byte{0x71, 0x23, 0x0F, 0xA3}, <-got)

	require.NoError(t, m.TurnOff(context.Background()))
	assert.Equal(t, []byte{0x71, 0x24, 0x0F, 0xA4}, <-got)
}

func TestMagicHomeUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	m, err := NewMagicHome(addr, nil)
	require.NoError(t, err)
	err = m.TurnOn(context.Background())
	assert.ErrorContains(t, err, "light: turn on")
}

func TestNewMagicHomeDefaultPort(t *testing.T) {
	m, err := NewMagicHome("192.168.1.50", nil)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50:5577", m.addr)

	_, err = NewMagicHome("", nil)
	assert.Error(t, err)
}

func TestFrameChecksumWraps(t *testing.T) {
	assert.Equal(t, []byte{0xF0, 0x20, 0x10}, Frame([]byte{0xF0, 0x20}))
}
