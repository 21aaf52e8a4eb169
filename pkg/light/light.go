// Package light switches a MagicHome (flux_led) LED controller over its LAN
// protocol.
package light

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	// DefaultPort is the controller's TCP port.
	DefaultPort        = "5577"
	DefaultDialTimeout = 5 * time.Second
)

var (
	cmdOn  = []byte{0x71, 0x23, 0x0F}
	cmdOff = []byte{0x71, 0x24, 0x0F}
)

// Controller switches a light.
type Controller interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}

// MagicHome talks to one controller. Each command uses a fresh connection.
type MagicHome struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMagicHome creates a controller for address, which may omit the port.
func NewMagicHome(address string, logger *slog.Logger) (*MagicHome, error) {
	if address == "" {
		return nil, errors.New("light: LED_IP not set")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, DefaultPort)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MagicHome{
		addr:    address,
		timeout: DefaultDialTimeout,
		logger:  logger.With("component", "light", "addr", address),
	}, nil
}

// TurnOn switches the light on.
func (m *MagicHome) TurnOn(ctx context.Context) error {
	if err := m.send(ctx, cmdOn); err != nil {
		return fmt.Errorf("light: turn on: %w", err)
	}
	m.logger.Info("light turned on")
	return nil
}

// TurnOff switches the light off.
func (m *MagicHome) TurnOff(ctx context.Context) error {
	if err := m.send(ctx, cmdOff); err != nil {
		return fmt.Errorf("light: turn off: %w", err)
	}
	m.logger.Info("light turned off")
	return nil
}

func (m *MagicHome) send(ctx context.Context, cmd []byte) error {
	d := net.Dialer{Timeout: m.timeout}
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(m.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = conn.Write(Frame(cmd))
	return err
}

// Frame appends the additive checksum the controller expects.
func Frame(cmd []byte) []byte {
	var sum byte
	for _, b := range cmd {
		sum += b
	}
	out := make([]byte, 0, len(cmd)+1)
	out = append(out, cmd...)
	return append(out, sum)
}

var _ Controller = (*MagicHome)(nil)
