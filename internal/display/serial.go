package display

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// SerialMatrix drives a MAX7219 matrix through a serial bridge speaking a
// line protocol: "I<level>", "F<0|1>" and "P<L|C|R>:<text>".
type SerialMatrix struct {
	mu     sync.Mutex
	port   io.WriteCloser
	name   string
	mode   *serial.Mode
	open   func(name string, mode *serial.Mode) (io.WriteCloser, error)
	logger *slog.Logger
}

// OpenSerialMatrix opens the bridge on portName.
func OpenSerialMatrix(portName string, baudRate int, logger *slog.Logger) (*SerialMatrix, error) {
	m := &SerialMatrix{
		name: portName,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		open:   openPort,
		logger: logger.With("component", "display", "port", portName),
	}
	port, err := m.open(portName, m.mode)
	if err != nil {
		return nil, fmt.Errorf("open matrix %s: %w", portName, err)
	}
	m.port = port
	return m, nil
}

func openPort(name string, mode *serial.Mode) (io.WriteCloser, error) {
	return serial.Open(name, mode)
}

func (m *SerialMatrix) SetIntensity(level int) error {
	return m.send(fmt.Sprintf("I%d", level))
}

func (m *SerialMatrix) SetOrientation(flipped bool) error {
	if flipped {
		return m.send("F1")
	}
	return m.send("F0")
}

func (m *SerialMatrix) Print(text string, align Align) error {
	return m.send(fmt.Sprintf("P%c:%s", alignCode(align), strings.ReplaceAll(text, "\n", " ")))
}

// Close releases the port.
func (m *SerialMatrix) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}

// send writes one line. After a write error the port is closed and reopened
// on the next send, so an unplugged bridge recovers once it is back.
func (m *SerialMatrix) send(line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port == nil {
		port, err := m.open(m.name, m.mode)
		if err != nil {
			return fmt.Errorf("reopen matrix: %w", err)
		}
		m.logger.Info("matrix port reopened")
		m.port = port
	}

	if _, err := io.WriteString(m.port, line+"\n"); err != nil {
		m.port.Close()
		m.port = nil
		return fmt.Errorf("write matrix: %w", err)
	}
	return nil
}

func alignCode(a Align) byte {
	switch a {
	case AlignLeft:
		return 'L'
	case AlignRight:
		return 'R'
	default:
		return 'C'
	}
}
