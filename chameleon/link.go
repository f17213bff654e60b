package chameleon

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"go.bug.st/serial"
	"gopkg.in/tomb.v2"
)

// DefaultBaudRate matches the emulator firmware's AUX UART.
const DefaultBaudRate = 115200

// Power switches the emulator on and off (its reset line).
type Power interface {
	SetPower(on bool) error
}

// Config describes how to reach the emulator.
type Config struct {
	Device   string // Serial device, e.g. /dev/ttyUSB0
	BaudRate int
	Logger   *log.Logger
}

// Link owns the serial port to the emulator. Frames decoded while the
// emulator is powered are delivered on Frames; anything read while it is off
// is discarded.
type Link struct {
	port   io.ReadWriteCloser
	power  Power
	logger *log.Logger
	frames chan Frame

	writeMu sync.Mutex
	mu      sync.RWMutex
	on      bool

	t tomb.Tomb
}

// Open opens the serial device and starts reading. The DTR line drives the
// emulator's reset pin.
func Open(cfg Config) (*Link, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("serial device is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}

	port, err := serial.Open(cfg.Device, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Device, err)
	}

	power := &dtrPower{port: port}
	// Hold the emulator in reset until a client shows up
	if err := power.SetPower(false); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to drive reset line: %w", err)
	}

	return NewLink(port, power, cfg.Logger), nil
}

// NewLink wraps an already open port. power may be nil when the emulator has
// no controllable reset line.
func NewLink(port io.ReadWriteCloser, power Power, logger *log.Logger) *Link {
	if logger == nil {
		logger = log.New(os.Stderr, "[chameleon] ", log.LstdFlags)
	}
	l := &Link{
		port:   port,
		power:  power,
		logger: logger,
		frames: make(chan Frame, 16),
	}
	l.t.Go(l.readLoop)
	return l
}

// Frames delivers decoded frames. It is closed when the link dies.
func (l *Link) Frames() <-chan Frame {
	return l.frames
}

// Dead is closed when the read loop has stopped.
func (l *Link) Dead() <-chan struct{} {
	return l.t.Dead()
}

// Err returns the reason the link died, nil while it is alive or after a clean Close.
func (l *Link) Err() error {
	if err := l.t.Err(); err != tomb.ErrStillAlive {
		return err
	}
	return nil
}

// IsOn reports whether the emulator is powered.
func (l *Link) IsOn() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.on
}

// SetPower switches the emulator. It returns true when the state changed.
func (l *Link) SetPower(on bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.on == on {
		return false, nil
	}
	if l.power != nil {
		if err := l.power.SetPower(on); err != nil {
			return false, fmt.Errorf("failed to switch emulator %s: %w", onOff(on), err)
		}
	}
	l.on = on
	l.logger.Printf("Switching emulator %s", onOff(on))
	return true, nil
}

// WriteResponse sends a response frame for the pending challenge.
func (l *Link) WriteResponse(data []byte) ([]byte, error) {
	frame, err := EncodeResponse(data)
	if err != nil {
		return nil, err
	}
	return frame, l.write(frame)
}

// WriteKeepAlive asks the emulator to keep the reader waiting.
func (l *Link) WriteKeepAlive() error {
	return l.write(EncodeKeepAlive())
}

func (l *Link) write(b []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write(b); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	return nil
}

// Close stops the read loop and closes the port.
func (l *Link) Close() error {
	l.t.Kill(nil)
	err := l.port.Close()
	l.t.Wait()
	return err
}

func (l *Link) readLoop() error {
	defer close(l.frames)
	dec := NewDecoder(l.port)

	for {
		frame, err := dec.Next()
		if err != nil {
			if !l.t.Alive() {
				return nil
			}
			if errors.Is(err, ErrFrameTooLarge) {
				l.logger.Printf("Dropping frame: %v", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("emulator port closed: %w", err)
			}
			return err
		}

		if !l.IsOn() {
			continue
		}

		select {
		case l.frames <- frame:
		case <-l.t.Dying():
			return nil
		}
	}
}

// dtrPower maps the emulator reset pin to the DTR modem line.
type dtrPower struct {
	port serial.Port
}

func (p *dtrPower) SetPower(on bool) error {
	return p.port.SetDTR(on)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
