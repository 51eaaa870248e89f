// Package hotplateclamp implements the lift stage that clamps reaction vials
// onto a hotplate. A DC motor drives the stage up and down until a limit
// switch closes or, when a current sensor is wired, until the motor current
// shows the stage pressing against its stop. A servo operated clamp holds the
// vial, ramped in small increments so glassware is gripped gently.
package hotplateclamp

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/servo"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"lab-peripherals/hwutil"
)

var Model = resource.NewModel("bam", "lab-peripherals", "hotplate-clamp")

func init() {
	resource.RegisterComponent(generic.API, Model, resource.Registration[resource.Resource, *Config]{
		Constructor: newClamp,
	})
}

const (
	defaultTimeout    = 30 * time.Second
	defaultOpenDeg    = 180
	defaultRampStep   = 100 * time.Millisecond
	defaultSlowdown   = 20 // degrees
	switchPoll        = 2 * time.Millisecond
	currentPoll       = 10 * time.Millisecond
	currentAverages   = 3
	currentSettle     = 10 * time.Millisecond
	upBackoff         = 250 * time.Millisecond
	downBackoff       = 150 * time.Millisecond
	upCurrentSettle   = 1500 * time.Millisecond
	downCurrentSettle = 500 * time.Millisecond
)

// Pins defines the H-bridge wiring of the lift motor.
type Pins struct {
	MotorA string `json:"motor_a"`
	MotorB string `json:"motor_b"`
}

// Config describes the configuration of a hotplate clamp.
type Config struct {
	BoardName      string `json:"board"`
	ServoName      string `json:"servo"`
	Pins           Pins   `json:"pins"`
	SwitchUp       string `json:"switch_up"`
	SwitchDown     string `json:"switch_down"`
	CurrentSensor  string `json:"current_sensor,omitempty"`
	ServoOpenDeg   int    `json:"servo_open_deg,omitempty"`
	ServoClosedDeg int    `json:"servo_closed_deg,omitempty"`
	TimeoutMs      int    `json:"timeout_ms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) ([]string, []string, error) {
	if c.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if c.ServoName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "servo")
	}
	if c.Pins.MotorA == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.motor_a")
	}
	if c.Pins.MotorB == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.motor_b")
	}
	if c.SwitchUp == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "switch_up")
	}
	if c.SwitchDown == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "switch_down")
	}
	if c.ServoOpenDeg < 0 || c.ServoOpenDeg > 180 || c.ServoClosedDeg < 0 || c.ServoClosedDeg > 180 {
		return nil, nil, errors.New("servo positions must be between 0 and 180 degrees")
	}
	return []string{c.BoardName, c.ServoName}, nil, nil
}

// analogPin is the current sensor input. Tests plug in synthetic signals.
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

// positionServo is the slice of servo.Servo the clamp uses.
type positionServo interface {
	Move(ctx context.Context, angleDeg uint32, extra map[string]interface{}) error
}

// A Clamp moves the lift stage and operates the vial clamp servo.
type Clamp struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	logger logging.Logger
	opMgr  *operation.SingleOperationManager
	clk    clock.Clock

	pinA       board.GPIOPin
	pinB       board.GPIOPin
	switchUp   board.GPIOPin
	switchDown board.GPIOPin
	current    analogPin
	servo      positionServo

	clampName string
	openDeg   int
	closedDeg int
	timeout   time.Duration
	rampStep  time.Duration
	upSettle  time.Duration
	dnSettle  time.Duration
	backUp    time.Duration
	backDown  time.Duration

	mu       sync.Mutex
	servoPos int
}

func newClamp(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (resource.Resource, error) {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	b, err := board.FromDependencies(deps, newConf.BoardName)
	if err != nil {
		return nil, errors.Wrapf(err, "can't find board named %s", newConf.BoardName)
	}
	s, err := resource.FromDependencies[servo.Servo](deps, servo.Named(newConf.ServoName))
	if err != nil {
		return nil, errors.Wrapf(err, "can't find servo named %s", newConf.ServoName)
	}
	pinA, err := b.GPIOPinByName(newConf.Pins.MotorA)
	if err != nil {
		return nil, err
	}
	pinB, err := b.GPIOPinByName(newConf.Pins.MotorB)
	if err != nil {
		return nil, err
	}
	switchUp, err := b.GPIOPinByName(newConf.SwitchUp)
	if err != nil {
		return nil, err
	}
	switchDown, err := b.GPIOPinByName(newConf.SwitchDown)
	if err != nil {
		return nil, err
	}
	var current analogPin
	if newConf.CurrentSensor != "" {
		analog, err := b.AnalogByName(newConf.CurrentSensor)
		if err != nil {
			return nil, errors.Wrapf(err, "can't find current sensor named %s", newConf.CurrentSensor)
		}
		current = boardAnalog{analog}
	}
	return makeClamp(conf.ResourceName(), newConf, pinA, pinB, switchUp, switchDown, current, s, clock.New(), logger), nil
}

func makeClamp(
	name resource.Name,
	conf *Config,
	pinA, pinB, switchUp, switchDown board.GPIOPin,
	current analogPin,
	s positionServo,
	clk clock.Clock,
	logger logging.Logger,
) *Clamp {
	openDeg := conf.ServoOpenDeg
	if openDeg == 0 {
		openDeg = defaultOpenDeg
	}
	timeout := defaultTimeout
	if conf.TimeoutMs != 0 {
		timeout = time.Duration(conf.TimeoutMs) * time.Millisecond
	}
	return &Clamp{
		Named:      name.AsNamed(),
		logger:     logger,
		opMgr:      operation.NewSingleOperationManager(),
		clk:        clk,
		pinA:       pinA,
		pinB:       pinB,
		switchUp:   switchUp,
		switchDown: switchDown,
		current:    current,
		servo:      s,
		clampName:  name.ShortName(),
		openDeg:    openDeg,
		closedDeg:  conf.ServoClosedDeg,
		timeout:    timeout,
		rampStep:   defaultRampStep,
		upSettle:   upCurrentSettle,
		dnSettle:   downCurrentSettle,
		backUp:     upBackoff,
		backDown:   downBackoff,
		servoPos:   openDeg,
	}
}

func (c *Clamp) run(ctx context.Context, dir int) error {
	return multierr.Combine(
		c.pinA.Set(ctx, dir > 0, nil),
		c.pinB.Set(ctx, dir < 0, nil),
	)
}

// Stop cuts power to the lift motor.
func (c *Clamp) Stop(ctx context.Context) error {
	c.opMgr.CancelRunning(ctx)
	return c.run(ctx, 0)
}

// Up raises the stage until the upper limit switch closes, then backs off
// slightly so the switch is not held under load.
func (c *Clamp) Up(ctx context.Context) error {
	ctx, done := c.opMgr.New(ctx)
	defer done()
	return c.moveToSwitch(ctx, 1, c.switchUp, c.backUp)
}

// Down lowers the stage until the lower limit switch closes.
func (c *Clamp) Down(ctx context.Context) error {
	ctx, done := c.opMgr.New(ctx)
	defer done()
	return c.moveToSwitch(ctx, -1, c.switchDown, c.backDown)
}

// The limit switches read high until the stage reaches them.
func (c *Clamp) moveToSwitch(ctx context.Context, dir int, sw board.GPIOPin, backoff time.Duration) error {
	dl := hwutil.NewDeadline(c.clk, c.timeout)
	if err := c.run(ctx, dir); err != nil {
		return multierr.Combine(err, c.run(ctx, 0))
	}
	for {
		high, err := sw.Get(ctx, nil)
		if err != nil {
			return multierr.Combine(err, c.run(ctx, 0))
		}
		if !high {
			break
		}
		if dl.Expired() {
			return multierr.Combine(
				errors.Errorf("TIMEOUT moving stage on clamp (%s)", c.clampName),
				c.run(ctx, 0),
			)
		}
		if !utils.SelectContextOrWait(ctx, switchPoll) {
			return multierr.Combine(errors.Wrap(ctx.Err(), "stage move interrupted"), c.run(ctx, 0))
		}
	}
	if err := c.run(ctx, -dir); err != nil {
		return multierr.Combine(err, c.run(ctx, 0))
	}
	if !utils.SelectContextOrWait(ctx, backoff) {
		return multierr.Combine(errors.Wrap(ctx.Err(), "stage move interrupted"), c.run(ctx, 0))
	}
	return c.run(ctx, 0)
}

// UpToCurrent raises the stage until the motor current magnitude crosses the
// threshold, i.e. until the stage presses against its stop.
func (c *Clamp) UpToCurrent(ctx context.Context, thresholdMA float64) error {
	ctx, done := c.opMgr.New(ctx)
	defer done()
	return c.moveToCurrent(ctx, 1, thresholdMA, c.upSettle)
}

// DownToCurrent lowers the stage until the motor current magnitude crosses
// the threshold.
func (c *Clamp) DownToCurrent(ctx context.Context, thresholdMA float64) error {
	ctx, done := c.opMgr.New(ctx)
	defer done()
	return c.moveToCurrent(ctx, -1, thresholdMA, c.dnSettle)
}

func (c *Clamp) moveToCurrent(ctx context.Context, dir int, thresholdMA float64, settle time.Duration) error {
	if c.current == nil {
		return errors.Errorf("no current sensor configured on clamp (%s)", c.clampName)
	}
	dl := hwutil.NewDeadline(c.clk, c.timeout)
	if err := c.run(ctx, dir); err != nil {
		return multierr.Combine(err, c.run(ctx, 0))
	}
	// Inrush current would trip the threshold immediately.
	if !utils.SelectContextOrWait(ctx, settle) {
		return multierr.Combine(errors.Wrap(ctx.Err(), "stage move interrupted"), c.run(ctx, 0))
	}
	for {
		ma, err := c.MotorCurrent(ctx)
		if err != nil {
			return multierr.Combine(err, c.run(ctx, 0))
		}
		if abs(ma) >= abs(thresholdMA) {
			break
		}
		if dl.Expired() {
			return multierr.Combine(
				errors.Errorf("TIMEOUT moving stage on clamp (%s)", c.clampName),
				c.run(ctx, 0),
			)
		}
		if !utils.SelectContextOrWait(ctx, currentPoll) {
			return multierr.Combine(errors.Wrap(ctx.Err(), "stage move interrupted"), c.run(ctx, 0))
		}
	}
	return c.run(ctx, 0)
}

// MotorCurrent returns the lift motor current in milliamperes, averaged over a
// few readings. The sensor outputs 2.5 V at zero current, 185 mV per ampere.
func (c *Clamp) MotorCurrent(ctx context.Context) (float64, error) {
	if c.current == nil {
		return 0, errors.Errorf("no current sensor configured on clamp (%s)", c.clampName)
	}
	if _, err := c.current.Read(ctx); err != nil { // discard first reading
		return 0, err
	}
	if !utils.SelectContextOrWait(ctx, currentSettle) {
		return 0, errors.Wrap(ctx.Err(), "current read interrupted")
	}
	sum := 0.0
	for i := 0; i < currentAverages; i++ {
		raw, err := c.current.Read(ctx)
		if err != nil {
			return 0, err
		}
		sum += (2.5 - float64(raw)*5.0/1024.0) / 0.185 * 1000
		if !utils.SelectContextOrWait(ctx, currentSettle) {
			return 0, errors.Wrap(ctx.Err(), "current read interrupted")
		}
	}
	return sum / currentAverages, nil
}

// OpenClamp moves the clamp servo to target degrees, ramping the first
// slowdown degrees one degree at a time before jumping the rest of the way.
// A negative target means the configured open position.
func (c *Clamp) OpenClamp(ctx context.Context, target int) error {
	ctx, done := c.opMgr.New(ctx)
	defer done()
	c.mu.Lock()
	defer c.mu.Unlock()

	if target < 0 {
		target = c.openDeg
	}
	if target == c.servoPos {
		return nil
	}
	inc, slowdown := rampPlan(c.servoPos, target)
	for i := 0; i < slowdown; i++ {
		if err := c.moveServo(ctx, c.servoPos+inc); err != nil {
			return err
		}
		if !utils.SelectContextOrWait(ctx, c.rampStep) {
			return errors.Wrap(ctx.Err(), "clamp move interrupted")
		}
	}
	return c.moveServo(ctx, target)
}

// CloseClamp moves the clamp servo to target degrees, jumping most of the way
// and ramping the final slowdown degrees so the grip tightens gently. A
// negative target means the configured closed position.
func (c *Clamp) CloseClamp(ctx context.Context, target int) error {
	ctx, done := c.opMgr.New(ctx)
	defer done()
	c.mu.Lock()
	defer c.mu.Unlock()

	if target < 0 {
		target = c.closedDeg
	}
	if target == c.servoPos {
		return nil
	}
	inc, slowdown := rampPlan(c.servoPos, target)
	if err := c.moveServo(ctx, target-inc*slowdown); err != nil {
		return err
	}
	for i := 0; i < slowdown; i++ {
		if err := c.moveServo(ctx, c.servoPos+inc); err != nil {
			return err
		}
		if !utils.SelectContextOrWait(ctx, c.rampStep) {
			return errors.Wrap(ctx.Err(), "clamp move interrupted")
		}
	}
	return nil
}

func rampPlan(from, to int) (inc, slowdown int) {
	inc = 1
	if from > to {
		inc = -1
	}
	slowdown = defaultSlowdown
	if d := iabs(to - from); d < slowdown {
		slowdown = d
	}
	return inc, slowdown
}

func (c *Clamp) moveServo(ctx context.Context, deg int) error {
	if deg < 0 {
		deg = 0
	}
	if err := c.servo.Move(ctx, uint32(deg), nil); err != nil {
		return err
	}
	c.servoPos = deg
	return nil
}

// ServoPosition returns the last commanded clamp servo angle.
func (c *Clamp) ServoPosition() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servoPos
}

// DoCommand exposes the clamp operations over the generic component API.
func (c *Clamp) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("missing or malformed 'command' string")
	}
	switch name {
	case "up":
		if threshold, ok := cmd["current_threshold_ma"].(float64); ok {
			return map[string]interface{}{}, c.UpToCurrent(ctx, threshold)
		}
		return map[string]interface{}{}, c.Up(ctx)
	case "down":
		if threshold, ok := cmd["current_threshold_ma"].(float64); ok {
			return map[string]interface{}{}, c.DownToCurrent(ctx, threshold)
		}
		return map[string]interface{}{}, c.Down(ctx)
	case "stop":
		return map[string]interface{}{}, c.Stop(ctx)
	case "open_clamp":
		target := -1
		if deg, ok := cmd["angle"].(float64); ok {
			target = int(deg)
		}
		return map[string]interface{}{}, c.OpenClamp(ctx, target)
	case "close_clamp":
		target := -1
		if deg, ok := cmd["angle"].(float64); ok {
			target = int(deg)
		}
		return map[string]interface{}{}, c.CloseClamp(ctx, target)
	case "current":
		ma, err := c.MotorCurrent(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"current_ma": ma}, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func iabs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
