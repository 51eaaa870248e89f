// Package capperdecapper implements the gripper that removes and refits
// container caps. A servo clamp grips the cap, a DC wrist motor turns it, and
// a pressure sensor in the clamp jaw tells the sequences when a container is
// present and when its cap has come free.
package capperdecapper

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

var Model = resource.NewModel("bam", "lab-peripherals", "capper-decapper")

func init() {
	resource.RegisterComponent(generic.API, Model, resource.Registration[resource.Resource, *Config]{
		Constructor: newCapper,
	})
}

const (
	defaultClosedDeg = 0
	defaultOpenDeg   = 180
	defaultClosedMm  = 4
	defaultOpenMm    = 59
	defaultTimeout   = 10 * time.Second

	defaultGripMm            = 31
	defaultPressureThreshold = 100
	defaultCapThreshold      = 1000
	defaultTorqueThresholdMA = 200.0
	openCurrentLimitMA       = 1000.0
	closeCurrentLimitMA      = 350.0

	pressureAverages = 64
	pressureSettle   = 25 * time.Millisecond
	currentAverages  = 2
	sampleSettle     = 100 * time.Microsecond
	sensorPoll       = 10 * time.Millisecond
	wristSettle      = time.Second
)

// Pins defines the H-bridge wiring of the wrist motor.
type Pins struct {
	MotorA string `json:"motor_a"`
	MotorB string `json:"motor_b"`
}

// Config describes the configuration of a capper/decapper. The current
// sensors are board analogs already scaled to milliamperes.
type Config struct {
	BoardName          string `json:"board"`
	ServoName          string `json:"servo"`
	Pins               Pins   `json:"pins"`
	PressureSensor     string `json:"pressure_sensor"`
	MotorCurrentSensor string `json:"motor_current_sensor,omitempty"`
	ServoCurrentSensor string `json:"servo_current_sensor,omitempty"`
	ServoClosedDeg     int    `json:"servo_closed_deg,omitempty"`
	ServoOpenDeg       int    `json:"servo_open_deg,omitempty"`
	ClampClosedMm      int    `json:"clamp_closed_mm,omitempty"`
	ClampOpenMm        int    `json:"clamp_open_mm,omitempty"`
	TimeoutMs          int    `json:"timeout_ms,omitempty"`
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
	if c.PressureSensor == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pressure_sensor")
	}
	if c.ClampOpenMm != 0 && c.ClampOpenMm <= c.ClampClosedMm {
		return nil, nil, errors.New("clamp_open_mm must be greater than clamp_closed_mm")
	}
	return []string{c.BoardName, c.ServoName}, nil, nil
}

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

type positionServo interface {
	Move(ctx context.Context, angleDeg uint32, extra map[string]interface{}) error
}

// A Capper grips, turns and releases container caps.
type Capper struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	logger logging.Logger
	opMgr  *operation.SingleOperationManager
	clk    clock.Clock

	pinA     board.GPIOPin
	pinB     board.GPIOPin
	servo    positionServo
	pressure analogPin
	motorCur analogPin
	servoCur analogPin

	capperName   string
	closedDeg    int
	openDeg      int
	closedMm     int
	openMm       int
	degPerMm     float64
	timeout      time.Duration
	settle       time.Duration
	pressureLead time.Duration
	turnSettle   time.Duration
	pressurePoll time.Duration

	mu      sync.Mutex
	clampMm int
}

func newCapper(
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
	pressureAnalog, err := b.AnalogByName(newConf.PressureSensor)
	if err != nil {
		return nil, errors.Wrapf(err, "can't find pressure sensor named %s", newConf.PressureSensor)
	}
	var motorCur analogPin
	if newConf.MotorCurrentSensor != "" {
		analog, err := b.AnalogByName(newConf.MotorCurrentSensor)
		if err != nil {
			return nil, errors.Wrapf(err, "can't find current sensor named %s", newConf.MotorCurrentSensor)
		}
		motorCur = boardAnalog{analog}
	}
	var servoCur analogPin
	if newConf.ServoCurrentSensor != "" {
		analog, err := b.AnalogByName(newConf.ServoCurrentSensor)
		if err != nil {
			return nil, errors.Wrapf(err, "can't find current sensor named %s", newConf.ServoCurrentSensor)
		}
		servoCur = boardAnalog{analog}
	}
	return makeCapper(conf.ResourceName(), newConf, pinA, pinB, boardAnalog{pressureAnalog}, motorCur, servoCur, s, clock.New(), logger), nil
}

func makeCapper(
	name resource.Name,
	conf *Config,
	pinA, pinB board.GPIOPin,
	pressure, motorCur, servoCur analogPin,
	s positionServo,
	clk clock.Clock,
	logger logging.Logger,
) *Capper {
	closedDeg, openDeg := conf.ServoClosedDeg, conf.ServoOpenDeg
	if openDeg == 0 {
		openDeg = defaultOpenDeg
	}
	closedMm, openMm := conf.ClampClosedMm, conf.ClampOpenMm
	if closedMm == 0 {
		closedMm = defaultClosedMm
	}
	if openMm == 0 {
		openMm = defaultOpenMm
	}
	timeout := defaultTimeout
	if conf.TimeoutMs != 0 {
		timeout = time.Duration(conf.TimeoutMs) * time.Millisecond
	}
	return &Capper{
		Named:        name.AsNamed(),
		logger:       logger,
		opMgr:        operation.NewSingleOperationManager(),
		clk:          clk,
		pinA:         pinA,
		pinB:         pinB,
		servo:        s,
		pressure:     pressure,
		motorCur:     motorCur,
		servoCur:     servoCur,
		capperName:   name.ShortName(),
		closedDeg:    closedDeg,
		openDeg:      openDeg,
		closedMm:     closedMm,
		openMm:       openMm,
		degPerMm:     float64(openDeg-closedDeg) / float64(openMm-closedMm),
		timeout:      timeout,
		settle:       sampleSettle,
		pressureLead: pressureSettle,
		turnSettle:   wristSettle,
		pressurePoll: sensorPoll,
		clampMm:      openMm,
	}
}

// TurnWrist rotates the wrist motor: +1 unscrews (counterclockwise), -1
// screws on (clockwise), 0 stops.
func (c *Capper) TurnWrist(ctx context.Context, dir int) error {
	return multierr.Combine(
		c.pinA.Set(ctx, dir > 0, nil),
		c.pinB.Set(ctx, dir < 0, nil),
	)
}

// SetClampPosition moves the clamp jaws to the given opening width.
func (c *Capper) SetClampPosition(ctx context.Context, mm int) error {
	ctx, done := c.opMgr.New(ctx)
	defer done()
	c.mu.Lock()
	defer c.mu.Unlock()
	if mm < c.closedMm || mm > c.openMm {
		return errors.Errorf("clamp width must be between %d and %d mm, got %d", c.closedMm, c.openMm, mm)
	}
	return c.moveClamp(ctx, mm)
}

func (c *Capper) moveClamp(ctx context.Context, mm int) error {
	deg := int(float64(mm-c.closedMm)*c.degPerMm) + c.closedDeg
	if deg < 0 {
		deg = 0
	}
	if err := c.servo.Move(ctx, uint32(deg), nil); err != nil {
		return err
	}
	c.clampMm = mm
	return nil
}

// ClampPosition returns the last commanded jaw opening in millimeters.
func (c *Capper) ClampPosition() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clampMm
}

// closeClampTo narrows the jaws one millimeter at a time down to mm. With a
// servo current sensor wired, the ramp also stops as soon as the servo strains
// against something, whichever comes first.
func (c *Capper) closeClampTo(ctx context.Context, mm int) error {
	if mm < c.closedMm {
		mm = c.closedMm
	}
	if high, err := c.clampStrained(ctx, closeCurrentLimitMA); err != nil || high {
		return err
	}
	for c.clampMm > mm {
		if err := c.moveClamp(ctx, c.clampMm-1); err != nil {
			return err
		}
		if high, err := c.clampStrained(ctx, closeCurrentLimitMA); err != nil || high {
			return err
		}
		if !utils.SelectContextOrWait(ctx, c.pressurePoll) {
			return errors.Wrap(ctx.Err(), "clamp move interrupted")
		}
	}
	return nil
}

// openClampFully widens the jaws one millimeter at a time to the open limit,
// again current-bounded when the servo current sensor is wired.
func (c *Capper) openClampFully(ctx context.Context) error {
	if high, err := c.clampStrained(ctx, openCurrentLimitMA); err != nil || high {
		return err
	}
	for c.clampMm < c.openMm {
		if err := c.moveClamp(ctx, c.clampMm+1); err != nil {
			return err
		}
		if high, err := c.clampStrained(ctx, openCurrentLimitMA); err != nil || high {
			return err
		}
		if !utils.SelectContextOrWait(ctx, c.pressurePoll) {
			return errors.Wrap(ctx.Err(), "clamp move interrupted")
		}
	}
	return nil
}

// clampStrained reports whether the clamp servo current exceeds limitMA.
// Without a servo current sensor the ramps are bounded by travel alone.
func (c *Capper) clampStrained(ctx context.Context, limitMA float64) (bool, error) {
	if c.servoCur == nil {
		return false, nil
	}
	ma, err := c.readCurrentMA(ctx, c.servoCur)
	if err != nil {
		return false, err
	}
	return abs(ma) > limitMA, nil
}

// Pressure returns the averaged clamp jaw pressure signal.
func (c *Capper) Pressure(ctx context.Context) (int, error) {
	if _, err := c.pressure.Read(ctx); err != nil { // discard first reading
		return 0, err
	}
	if !utils.SelectContextOrWait(ctx, c.pressureLead) {
		return 0, errors.Wrap(ctx.Err(), "pressure read interrupted")
	}
	sum := 0
	for i := 0; i < pressureAverages; i++ {
		raw, err := c.pressure.Read(ctx)
		if err != nil {
			return 0, err
		}
		sum += raw
		if !utils.SelectContextOrWait(ctx, c.settle) {
			return 0, errors.Wrap(ctx.Err(), "pressure read interrupted")
		}
	}
	return sum / pressureAverages, nil
}

// WristCurrent returns the averaged wrist motor current in milliamperes.
func (c *Capper) WristCurrent(ctx context.Context) (float64, error) {
	if c.motorCur == nil {
		return 0, errors.Errorf("no wrist current sensor configured on capper (%s)", c.capperName)
	}
	return c.readCurrentMA(ctx, c.motorCur)
}

// ServoCurrent returns the averaged clamp servo current in milliamperes.
func (c *Capper) ServoCurrent(ctx context.Context) (float64, error) {
	if c.servoCur == nil {
		return 0, errors.Errorf("no servo current sensor configured on capper (%s)", c.capperName)
	}
	return c.readCurrentMA(ctx, c.servoCur)
}

func (c *Capper) readCurrentMA(ctx context.Context, pin analogPin) (float64, error) {
	if _, err := pin.Read(ctx); err != nil { // discard first reading
		return 0, err
	}
	if !utils.SelectContextOrWait(ctx, c.settle) {
		return 0, errors.Wrap(ctx.Err(), "current read interrupted")
	}
	sum := 0.0
	for i := 0; i < currentAverages; i++ {
		ma, err := pin.Read(ctx)
		if err != nil {
			return 0, err
		}
		sum += float64(ma)
		if !utils.SelectContextOrWait(ctx, c.settle) {
			return 0, errors.Wrap(ctx.Err(), "current read interrupted")
		}
	}
	return sum / currentAverages, nil
}

// waitPressure polls the pressure signal until cmp holds or the deadline runs
// out, returning the last reading.
func (c *Capper) waitPressure(ctx context.Context, dl hwutil.Deadline, cmp func(int) bool) (int, error) {
	for {
		p, err := c.Pressure(ctx)
		if err != nil {
			return 0, err
		}
		if cmp(p) {
			return p, nil
		}
		if dl.Expired() {
			return p, errors.Errorf("TIMEOUT waiting for pressure on capper (%s)", c.capperName)
		}
		if !utils.SelectContextOrWait(ctx, c.pressurePoll) {
			return p, errors.Wrap(ctx.Err(), "pressure wait interrupted")
		}
	}
}

// OpenContainer removes a cap: wait for a container to press into the jaws,
// grip the cap at the given width, unscrew until the pressure falls away.
// The jaws are reopened if the cap never comes free.
func (c *Capper) OpenContainer(ctx context.Context, gripMm, pressureThreshold int) error {
	ctx, done := c.opMgr.New(ctx)
	defer done()
	c.mu.Lock()
	defer c.mu.Unlock()

	dl := hwutil.NewDeadline(c.clk, c.timeout)
	if _, err := c.waitPressure(ctx, dl, func(p int) bool { return p >= pressureThreshold }); err != nil {
		return err
	}

	if err := c.closeClampTo(ctx, gripMm); err != nil {
		return err
	}
	if err := c.TurnWrist(ctx, 1); err != nil {
		return multierr.Combine(err, c.TurnWrist(ctx, 0))
	}
	if !utils.SelectContextOrWait(ctx, c.turnSettle) {
		return multierr.Combine(errors.Wrap(ctx.Err(), "uncapping interrupted"), c.TurnWrist(ctx, 0))
	}

	dl = hwutil.NewDeadline(c.clk, c.timeout)
	_, err := c.waitPressure(ctx, dl, func(p int) bool { return p <= pressureThreshold })
	if err != nil {
		return multierr.Combine(err, c.TurnWrist(ctx, 0), c.openClampFully(ctx))
	}
	return c.TurnWrist(ctx, 0)
}

// CloseContainer screws a held cap onto a container: wait for the container
// to press into the jaws, screw down until the wrist current shows the cap is
// tight, then let go.
func (c *Capper) CloseContainer(ctx context.Context, pressureThreshold int, torqueMA float64) error {
	ctx, done := c.opMgr.New(ctx)
	defer done()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.motorCur == nil {
		return errors.Errorf("no wrist current sensor configured on capper (%s)", c.capperName)
	}

	dl := hwutil.NewDeadline(c.clk, c.timeout)
	if _, err := c.waitPressure(ctx, dl, func(p int) bool { return p >= pressureThreshold }); err != nil {
		return err
	}

	if err := c.TurnWrist(ctx, -1); err != nil {
		return multierr.Combine(err, c.TurnWrist(ctx, 0))
	}
	if !utils.SelectContextOrWait(ctx, c.turnSettle) {
		return multierr.Combine(errors.Wrap(ctx.Err(), "capping interrupted"), c.TurnWrist(ctx, 0))
	}

	dl = hwutil.NewDeadline(c.clk, c.timeout)
	for {
		ma, err := c.WristCurrent(ctx)
		if err != nil {
			return multierr.Combine(err, c.TurnWrist(ctx, 0))
		}
		if abs(ma) >= abs(torqueMA) {
			break
		}
		if dl.Expired() {
			return multierr.Combine(
				errors.Errorf("TIMEOUT waiting for capping torque on capper (%s)", c.capperName),
				c.TurnWrist(ctx, 0),
				c.openClampFully(ctx),
			)
		}
		if !utils.SelectContextOrWait(ctx, c.pressurePoll) {
			return multierr.Combine(errors.Wrap(ctx.Err(), "capping interrupted"), c.TurnWrist(ctx, 0))
		}
	}

	return multierr.Combine(c.TurnWrist(ctx, 0), c.openClampFully(ctx))
}

// DoCommand exposes the capper operations over the generic component API.
func (c *Capper) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("missing or malformed 'command' string")
	}
	switch name {
	case "open_container":
		grip := defaultGripMm
		if mm, ok := cmd["grip_mm"].(float64); ok {
			grip = int(mm)
		}
		threshold := defaultPressureThreshold
		if p, ok := cmd["pressure_threshold"].(float64); ok {
			threshold = int(p)
		}
		return map[string]interface{}{}, c.OpenContainer(ctx, grip, threshold)
	case "close_container":
		threshold := defaultCapThreshold
		if p, ok := cmd["pressure_threshold"].(float64); ok {
			threshold = int(p)
		}
		torque := defaultTorqueThresholdMA
		if ma, ok := cmd["torque_ma"].(float64); ok {
			torque = ma
		}
		return map[string]interface{}{}, c.CloseContainer(ctx, threshold, torque)
	case "set_clamp":
		mm, ok := cmd["width_mm"].(float64)
		if !ok {
			return nil, errors.New("missing or malformed 'width_mm' number")
		}
		return map[string]interface{}{}, c.SetClampPosition(ctx, int(mm))
	case "turn_wrist":
		dir, ok := cmd["direction"].(float64)
		if !ok {
			return nil, errors.New("missing or malformed 'direction' number")
		}
		return map[string]interface{}{}, c.TurnWrist(ctx, int(dir))
	case "stop_wrist":
		return map[string]interface{}{}, c.TurnWrist(ctx, 0)
	case "pressure":
		p, err := c.Pressure(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"pressure": p}, nil
	case "wrist_current":
		ma, err := c.WristCurrent(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"current_ma": ma}, nil
	case "servo_current":
		ma, err := c.ServoCurrent(ctx)
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
