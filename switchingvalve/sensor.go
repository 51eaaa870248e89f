package switchingvalve

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/utils"
)

const (
	// sensorAverages is the number of samples averaged into one reading.
	sensorAverages = 4
	// sampleSettle lets the ADC settle between samples so that readings on a
	// shared multiplexer don't bleed into each other.
	sampleSettle = 100 * time.Microsecond
)

// analogPin is the single analog input the valve consumes. board.Analog
// satisfies it through boardAnalog; tests plug in synthetic signals.
type analogPin interface {
	Read(ctx context.Context) (int, error)
}

type boardAnalog struct {
	analog board.Analog
}

func (b boardAnalog) Read(ctx context.Context) (int, error) {
	v, err := b.analog.Read(ctx, nil)
	if err != nil {
		return 0, err
	}
	return v.Value, nil
}

// hallSensor produces denoised readings from a single analog hall-effect
// sensor. It never judges the signal; degenerate signals are the calibrator's
// business.
type hallSensor struct {
	pin    analogPin
	settle time.Duration
}

// read returns the mean of a few samples. The first sample is discarded
// because switching the ADC input pin leaves crosstalk from the previously
// selected channel in the first conversion.
func (h *hallSensor) read(ctx context.Context) (int, error) {
	if _, err := h.pin.Read(ctx); err != nil {
		return 0, err
	}
	if !h.wait(ctx) {
		return 0, errors.Wrap(ctx.Err(), "hall sensor read interrupted")
	}

	sum := 0
	for i := 0; i < sensorAverages; i++ {
		sig, err := h.pin.Read(ctx)
		if err != nil {
			return 0, err
		}
		sum += sig
		if !h.wait(ctx) {
			return 0, errors.Wrap(ctx.Err(), "hall sensor read interrupted")
		}
	}
	return sum / sensorAverages, nil
}

func (h *hallSensor) wait(ctx context.Context) bool {
	if h.settle <= 0 {
		return ctx.Err() == nil
	}
	return utils.SelectContextOrWait(ctx, h.settle)
}
