package display

import (
	"log/slog"
	"time"
)

// Align is the horizontal text alignment on the matrix.
type Align int

const (
	AlignLeft Align = iota
	AlignCenter
	AlignRight
)

func (a Align) String() string {
	switch a {
	case AlignLeft:
		return "left"
	case AlignRight:
		return "right"
	default:
		return "center"
	}
}

// Frame is what the matrix shows. It is recomputed every tick.
type Frame struct {
	Text  string `json:"text"`
	Align Align  `json:"align"`
}

// Render formats a frame for the given inputs.
func Render(now time.Time, target int64, colonVisible, twelveHour bool) Frame {
	return Frame{
		Text:  Format(now, target, colonVisible, twelveHour),
		Align: AlignCenter,
	}
}

// Driver is the LED matrix.
type Driver interface {
	SetIntensity(level int) error
	SetOrientation(flipped bool) error
	Print(text string, align Align) error
}

// LogDriver writes frames to the log. Used when no matrix is attached.
type LogDriver struct {
	logger *slog.Logger
}

// NewLogDriver creates a LogDriver.
func NewLogDriver(logger *slog.Logger) *LogDriver {
	return &LogDriver{logger: logger.With("component", "display")}
}

func (d *LogDriver) SetIntensity(level int) error {
	d.logger.Info("intensity", "level", level)
	return nil
}

func (d *LogDriver) SetOrientation(flipped bool) error {
	d.logger.Info("orientation", "flipped", flipped)
	return nil
}

func (d *LogDriver) Print(text string, align Align) error {
	d.logger.Debug("frame", "text", text, "align", align)
	return nil
}
