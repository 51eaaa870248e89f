package switchingvalve

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/utils"
)

// actuator moves the valve mechanism without any absolute position feedback.
// Direction +1 travels toward increasing port numbers; the physical rotation
// sense is the actuator's concern. Both variants are driven by the same
// calibration and positioning loops: advance a few units, poll the sensor,
// repeat.
type actuator interface {
	// Advance moves the mechanism by units smallest travel quanta in dir,
	// blocking until the movement (or, for free-running drives, the
	// equivalent poll interval) has elapsed.
	Advance(ctx context.Context, dir, units int) error
	// Halt stops any free-running motion immediately.
	Halt(ctx context.Context) error
	// Enable powers the driver stage on or off.
	Enable(ctx context.Context, on bool) error
	// UnitsPerRevolution reports how many units make one full mechanical turn.
	UnitsPerRevolution() int
	// CoarseBurst is the number of units moved per poll during coarse travel.
	CoarseBurst() int
}

const (
	defaultStepsPerSecond  = 400
	defaultMicrostepFactor = 1

	defaultUnitsPerRevolution = 512
	defaultPollInterval       = 2 * time.Millisecond
)

// steppedActuator drives a stepper through dir/step/sleep pins. One unit is
// one microstep; motion stops by itself between Advance calls.
type steppedActuator struct {
	dirPin             board.GPIOPin
	stepPin            board.GPIOPin
	sleepPin           board.GPIOPin
	stepsPerRevolution int // in microsteps
	microstepFactor    int
	pulsePeriod        time.Duration
	enableIsHigh       bool
	clockwiseNumbering bool
}

func newSteppedActuator(dirPin, stepPin, sleepPin board.GPIOPin, conf *StepperConfig) *steppedActuator {
	microstep := conf.MicrostepFactor
	if microstep == 0 {
		microstep = defaultMicrostepFactor
	}
	stepsPerSecond := conf.StepsPerSecond
	if stepsPerSecond == 0 {
		stepsPerSecond = defaultStepsPerSecond
	}
	enableIsHigh := true
	if conf.EnableIsHigh != nil {
		enableIsHigh = *conf.EnableIsHigh
	}
	return &steppedActuator{
		dirPin:             dirPin,
		stepPin:            stepPin,
		sleepPin:           sleepPin,
		stepsPerRevolution: conf.StepsPerRevolution * microstep,
		microstepFactor:    microstep,
		pulsePeriod:        time.Second / time.Duration(stepsPerSecond*microstep),
		enableIsHigh:       enableIsHigh,
		clockwiseNumbering: conf.ClockwiseNumbering,
	}
}

func (a *steppedActuator) Advance(ctx context.Context, dir, units int) error {
	if a.clockwiseNumbering {
		dir = -dir
	}
	if err := a.dirPin.Set(ctx, dir > 0, nil); err != nil {
		return err
	}
	half := a.pulsePeriod / 2
	for i := 0; i < units; i++ {
		if err := a.stepPin.Set(ctx, true, nil); err != nil {
			return err
		}
		if !utils.SelectContextOrWait(ctx, half) {
			return errors.Wrap(ctx.Err(), "stepping interrupted")
		}
		if err := a.stepPin.Set(ctx, false, nil); err != nil {
			return err
		}
		if !utils.SelectContextOrWait(ctx, half) {
			return errors.Wrap(ctx.Err(), "stepping interrupted")
		}
	}
	return nil
}

func (a *steppedActuator) Halt(ctx context.Context) error {
	// Steps only happen inside Advance, so there is nothing to stop.
	return nil
}

func (a *steppedActuator) Enable(ctx context.Context, on bool) error {
	return a.sleepPin.Set(ctx, on == a.enableIsHigh, nil)
}

func (a *steppedActuator) UnitsPerRevolution() int { return a.stepsPerRevolution }

// Coarse travel moves three full steps per poll.
func (a *steppedActuator) CoarseBurst() int { return 3 * a.microstepFactor }

// continuousActuator drives a free-running DC motor through an H-bridge pin
// pair. One unit is one poll interval of rotation; the motor keeps turning
// between Advance calls until Halt.
type continuousActuator struct {
	pinA               board.GPIOPin
	pinB               board.GPIOPin
	pollInterval       time.Duration
	unitsPerRevolution int
	clockwiseNumbering bool
	turning            int // -1, 0 or +1
}

func newContinuousActuator(pinA, pinB board.GPIOPin, conf *DCConfig) *continuousActuator {
	unitsPerRev := conf.UnitsPerRevolution
	if unitsPerRev == 0 {
		unitsPerRev = defaultUnitsPerRevolution
	}
	pollInterval := defaultPollInterval
	if conf.PollIntervalMs != 0 {
		pollInterval = time.Duration(conf.PollIntervalMs) * time.Millisecond
	}
	return &continuousActuator{
		pinA:               pinA,
		pinB:               pinB,
		pollInterval:       pollInterval,
		unitsPerRevolution: unitsPerRev,
		clockwiseNumbering: conf.ClockwiseNumbering,
	}
}

func (a *continuousActuator) Advance(ctx context.Context, dir, units int) error {
	if err := a.start(ctx, dir); err != nil {
		return err
	}
	if !utils.SelectContextOrWait(ctx, time.Duration(units)*a.pollInterval) {
		return errors.Wrap(ctx.Err(), "rotation interrupted")
	}
	return nil
}

func (a *continuousActuator) start(ctx context.Context, dir int) error {
	if a.turning == dir {
		return nil
	}
	phys := dir
	if a.clockwiseNumbering {
		phys = -dir
	}
	if err := multierr.Combine(
		a.pinA.Set(ctx, phys > 0, nil),
		a.pinB.Set(ctx, phys < 0, nil),
	); err != nil {
		return err
	}
	a.turning = dir
	return nil
}

func (a *continuousActuator) Halt(ctx context.Context) error {
	a.turning = 0
	return multierr.Combine(
		a.pinA.Set(ctx, false, nil),
		a.pinB.Set(ctx, false, nil),
	)
}

func (a *continuousActuator) Enable(ctx context.Context, on bool) error {
	if !on {
		return a.Halt(ctx)
	}
	return nil
}

func (a *continuousActuator) UnitsPerRevolution() int { return a.unitsPerRevolution }

func (a *continuousActuator) CoarseBurst() int { return 1 }
