// Package switchingvalve implements motorized rotary switching valves that
// find their ports by watching a single analog hall-effect sensor pass over
// one magnet per port. One magnet is mounted with reversed polarity and marks
// the reference port; all other positions are counted from it.
package switchingvalve

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"

	"lab-peripherals/hwutil"
)

// Model names for the two drive variants.
var (
	ModelStepper = resource.NewModel("bam", "lab-peripherals", "switching-valve-stepper")
	ModelDC      = resource.NewModel("bam", "lab-peripherals", "switching-valve-dc")
)

func init() {
	resource.RegisterComponent(generic.API, ModelStepper, resource.Registration[resource.Resource, *StepperConfig]{
		Constructor: newStepperValve,
	})
	resource.RegisterComponent(generic.API, ModelDC, resource.Registration[resource.Resource, *DCConfig]{
		Constructor: newDCValve,
	})
}

// ErrorCode identifies the failure classes a valve reports. The code of the
// most recent failed operation is kept until the next operation succeeds.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrSensorFault
	ErrPolarityFault
	ErrTimeout
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return "OK"
	case ErrSensorFault:
		return "SENSOR ERROR"
	case ErrPolarityFault:
		return "MAGNET POLARITY ERROR"
	case ErrTimeout:
		return "TIMEOUT ERROR"
	default:
		return "UNKNOWN ERROR"
	}
}

const (
	defaultStepperInitTimeout = 2 * time.Second
	defaultStepperMoveTimeout = 2 * time.Second
	defaultDCInitTimeout      = 3 * time.Second
	defaultDCMoveTimeout      = 1500 * time.Millisecond
)

// A Valve positions a rotary switching valve. The drive specifics live behind
// the actuator; everything else, including self-calibration and the signal
// counting used to approach a target port, is shared by both variants.
type Valve struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	logger logging.Logger
	opMgr  *operation.SingleOperationManager
	clk    clock.Clock

	sensor *hallSensor
	act    actuator

	valveName     string
	ports         int
	referencePort int
	initTimeout   time.Duration
	moveTimeout   time.Duration
	debug         bool

	mu         sync.Mutex
	calibrated bool
	currentPos int
	idleSignal int
	threshold  int
	lastErr    ErrorCode
}

func newStepperValve(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (resource.Resource, error) {
	newConf, err := resource.NativeConfig[*StepperConfig](conf)
	if err != nil {
		return nil, err
	}
	b, err := board.FromDependencies(deps, newConf.BoardName)
	if err != nil {
		return nil, errors.Wrapf(err, "can't find board named %s", newConf.BoardName)
	}
	dirPin, err := b.GPIOPinByName(newConf.Pins.Direction)
	if err != nil {
		return nil, err
	}
	stepPin, err := b.GPIOPinByName(newConf.Pins.Step)
	if err != nil {
		return nil, err
	}
	sleepPin, err := b.GPIOPinByName(newConf.Pins.Sleep)
	if err != nil {
		return nil, err
	}
	analog, err := b.AnalogByName(newConf.HallSensor)
	if err != nil {
		return nil, errors.Wrapf(err, "can't find hall sensor named %s", newConf.HallSensor)
	}
	if newConf.StepsPerSecond == 0 {
		logger.CWarnf(ctx, "steps_per_second not set, defaulting to %d", defaultStepsPerSecond)
	}
	act := newSteppedActuator(dirPin, stepPin, sleepPin, newConf)
	return makeValve(
		conf.ResourceName(), &newConf.Config, boardAnalog{analog}, act,
		defaultStepperInitTimeout, defaultStepperMoveTimeout, clock.New(), logger,
	), nil
}

func newDCValve(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (resource.Resource, error) {
	newConf, err := resource.NativeConfig[*DCConfig](conf)
	if err != nil {
		return nil, err
	}
	b, err := board.FromDependencies(deps, newConf.BoardName)
	if err != nil {
		return nil, errors.Wrapf(err, "can't find board named %s", newConf.BoardName)
	}
	pinA, err := b.GPIOPinByName(newConf.Pins.MotorA)
	if err != nil {
		return nil, err
	}
	pinB, err := b.GPIOPinByName(newConf.Pins.MotorB)
	if err != nil {
		return nil, err
	}
	analog, err := b.AnalogByName(newConf.HallSensor)
	if err != nil {
		return nil, errors.Wrapf(err, "can't find hall sensor named %s", newConf.HallSensor)
	}
	if newConf.UnitsPerRevolution == 0 {
		logger.CWarnf(ctx, "units_per_revolution not set, defaulting to %d", defaultUnitsPerRevolution)
	}
	act := newContinuousActuator(pinA, pinB, newConf)
	return makeValve(
		conf.ResourceName(), &newConf.Config, boardAnalog{analog}, act,
		defaultDCInitTimeout, defaultDCMoveTimeout, clock.New(), logger,
	), nil
}

func makeValve(
	name resource.Name,
	conf *Config,
	pin analogPin,
	act actuator,
	defaultInit, defaultMove time.Duration,
	clk clock.Clock,
	logger logging.Logger,
) *Valve {
	return &Valve{
		Named:         name.AsNamed(),
		logger:        logger,
		opMgr:         operation.NewSingleOperationManager(),
		clk:           clk,
		sensor:        &hallSensor{pin: pin, settle: sampleSettle},
		act:           act,
		valveName:     name.ShortName(),
		ports:         conf.Ports,
		referencePort: conf.ReferencePort,
		initTimeout:   conf.initTimeout(defaultInit),
		moveTimeout:   conf.moveTimeout(defaultMove),
		debug:         conf.Debug,
	}
}

// readSensor reads the denoised hall signal and, in debug mode, logs it
// relative to the calibrated baseline.
func (v *Valve) readSensor(ctx context.Context) (int, error) {
	sig, err := v.sensor.read(ctx)
	if err != nil {
		return 0, err
	}
	if v.debug {
		v.logger.Debugf("hall signal %d (threshold ±%d)", sig-v.idleSignal, v.threshold)
	}
	return sig, nil
}

func (v *Valve) deviation(sig int) int {
	return iabs(sig - v.idleSignal)
}

// fail records the error code, stops the motor and returns the coded error.
func (v *Valve) fail(ctx context.Context, code ErrorCode) error {
	v.lastErr = code
	if err := multierr.Combine(v.act.Halt(ctx), v.act.Enable(ctx, false)); err != nil {
		v.logger.CErrorf(ctx, "stopping motor after %s: %v", code, err)
	}
	return errors.Errorf("%s on valve (%s)", code, v.valveName)
}

// abort stops the motor after a hardware error and returns the combined error.
func (v *Valve) abort(ctx context.Context, err error) error {
	return multierr.Combine(err, v.act.Halt(ctx), v.act.Enable(ctx, false))
}

// GotoPosition moves the valve to the given port over the shorter direction
// of travel. The valve must have been initialized first. On a timeout the
// reported position keeps its last confirmed value and may no longer match
// the mechanism.
func (v *Valve) GotoPosition(ctx context.Context, target int) error {
	ctx, done := v.opMgr.New(ctx)
	defer done()
	v.mu.Lock()
	defer v.mu.Unlock()

	if target < 0 || target >= v.ports {
		return errors.Errorf("target port must be between 0 and %d, got %d", v.ports-1, target)
	}
	if !v.calibrated {
		return errors.Errorf("valve (%s) has not been initialized", v.valveName)
	}
	return v.gotoPosition(ctx, target)
}

// gotoPosition counts magnet crossings toward the target, then centers on the
// target's magnet. Callers hold v.mu and have validated the target.
func (v *Valve) gotoPosition(ctx context.Context, target int) error {
	dl := hwutil.NewDeadline(v.clk, v.moveTimeout)

	// The magnet already under the sensor registers as the first crossing, so
	// the target's magnet is crossing transitions+1.
	forward := hwutil.Mod(target-v.currentPos, v.ports)
	dir, transitions := 1, forward
	if forward > v.ports-forward {
		dir, transitions = -1, v.ports-forward
	}

	if err := v.act.Enable(ctx, true); err != nil {
		return err
	}

	burst := v.act.CoarseBurst()
	crossings := 0
	inField := false
	var sig int
	for crossings <= transitions {
		if err := v.act.Advance(ctx, dir, burst); err != nil {
			return v.abort(ctx, err)
		}
		if dl.Expired() {
			return v.fail(ctx, ErrTimeout)
		}
		var err error
		sig, err = v.readSensor(ctx)
		if err != nil {
			return v.abort(ctx, err)
		}
		if !inField && v.deviation(sig) >= v.threshold {
			crossings++
			inField = true
		}
		if v.deviation(sig) < v.threshold {
			inField = false
			if crossings == transitions {
				// Slow down on the falling flank before the target's magnet.
				if burst = v.act.CoarseBurst() / 3; burst < 1 {
					burst = 1
				}
			}
		}
	}

	// Fine adjustment: single units up the magnet's peak until the signal
	// starts falling again.
	last := sig
	for !inField || v.deviation(last) <= v.deviation(sig) {
		if dl.Expired() {
			return v.fail(ctx, ErrTimeout)
		}
		if err := v.act.Advance(ctx, dir, 1); err != nil {
			return v.abort(ctx, err)
		}
		last = sig
		var err error
		sig, err = v.readSensor(ctx)
		if err != nil {
			return v.abort(ctx, err)
		}
		inField = v.deviation(sig) >= v.threshold
	}

	if err := v.act.Enable(ctx, false); err != nil {
		return err
	}
	v.currentPos = target
	v.lastErr = ErrNone
	return nil
}

// CurrentPosition returns the last confirmed port.
func (v *Valve) CurrentPosition() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentPos
}

// LastError returns the error code of the most recent failure, or ErrNone if
// the last operation succeeded.
func (v *Valve) LastError() ErrorCode {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}

// CalibrationParameters returns the baseline signal and detection threshold
// measured during initialization.
func (v *Valve) CalibrationParameters() (idleSignal, threshold int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.idleSignal, v.threshold
}

// DoCommand exposes the valve operations over the generic component API.
func (v *Valve) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("missing or malformed 'command' string")
	}
	switch name {
	case "initialize":
		if err := v.Initialize(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"position": v.CurrentPosition()}, nil
	case "goto_position":
		target, ok := cmd["position"].(float64)
		if !ok {
			return nil, errors.New("missing or malformed 'position' number")
		}
		if err := v.GotoPosition(ctx, int(target)); err != nil {
			return nil, err
		}
		return map[string]interface{}{"position": v.CurrentPosition()}, nil
	case "position":
		return map[string]interface{}{"position": v.CurrentPosition()}, nil
	case "last_error":
		code := v.LastError()
		return map[string]interface{}{"code": int(code), "message": code.String()}, nil
	case "parameters":
		idle, threshold := v.CalibrationParameters()
		return map[string]interface{}{"idle_signal": idle, "threshold": threshold}, nil
	case "stop":
		v.opMgr.CancelRunning(ctx)
		return map[string]interface{}{}, v.act.Halt(ctx)
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}
