package capperdecapper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/test"
)

type fakeGPIOPin struct {
	high bool
	sets int
}

func (p *fakeGPIOPin) Set(_ context.Context, high bool, _ map[string]interface{}) error {
	p.high = high
	p.sets++
	return nil
}

func (p *fakeGPIOPin) Get(context.Context, map[string]interface{}) (bool, error) {
	return p.high, nil
}

func (p *fakeGPIOPin) PWM(context.Context, map[string]interface{}) (float64, error) {
	return 0, nil
}

func (p *fakeGPIOPin) SetPWM(context.Context, float64, map[string]interface{}) error {
	return nil
}

func (p *fakeGPIOPin) PWMFreq(context.Context, map[string]interface{}) (uint, error) {
	return 0, nil
}

func (p *fakeGPIOPin) SetPWMFreq(context.Context, uint, map[string]interface{}) error {
	return nil
}

type fakeServo struct {
	angles []uint32
}

func (s *fakeServo) Move(_ context.Context, angleDeg uint32, _ map[string]interface{}) error {
	s.angles = append(s.angles, angleDeg)
	return nil
}

// fakeAnalog plays back a scripted sequence of readings, repeating the last
// one, and can advance a mock clock on every read.
type fakeAnalog struct {
	values []int
	i      int
	clk    *clock.Mock
	tick   time.Duration
}

func (p *fakeAnalog) Read(context.Context) (int, error) {
	if p.clk != nil && p.tick > 0 {
		p.clk.Add(p.tick)
	}
	if p.i < len(p.values) {
		v := p.values[p.i]
		p.i++
		return v, nil
	}
	return p.values[len(p.values)-1], nil
}

func repeat(v, n int) []int {
	vals := make([]int, n)
	for i := range vals {
		vals[i] = v
	}
	return vals
}

type testRig struct {
	capper     *Capper
	pinA, pinB *fakeGPIOPin
	servo      *fakeServo
	pressure   *fakeAnalog
	current    *fakeAnalog
}

func newTestCapper(t *testing.T, pressure, current *fakeAnalog, clk clock.Clock) *testRig {
	t.Helper()
	r := &testRig{
		pinA: &fakeGPIOPin{}, pinB: &fakeGPIOPin{},
		servo: &fakeServo{}, pressure: pressure, current: current,
	}
	conf := &Config{
		BoardName: "local", ServoName: "gripper",
		Pins:           Pins{MotorA: "29", MotorB: "31"},
		PressureSensor: "pressure",
	}
	name := resource.NewName(generic.API, "capper1")
	var cur analogPin
	if current != nil {
		cur = current
	}
	r.capper = makeCapper(name, conf, r.pinA, r.pinB, pressure, cur, nil, r.servo, clk, logging.NewTestLogger(t))
	r.capper.settle = 0
	r.capper.pressureLead = 0
	r.capper.turnSettle = 0
	r.capper.pressurePoll = 0
	return r
}

func TestClampGeometry(t *testing.T) {
	ctx := context.Background()
	r := newTestCapper(t, &fakeAnalog{values: []int{0}}, nil, clock.NewMock())

	// Defaults: 4..59 mm map onto 0..180 degrees.
	test.That(t, r.capper.ClampPosition(), test.ShouldEqual, 59)
	test.That(t, r.capper.SetClampPosition(ctx, 31), test.ShouldBeNil)
	test.That(t, r.capper.ClampPosition(), test.ShouldEqual, 31)
	test.That(t, r.servo.angles, test.ShouldResemble, []uint32{88})

	test.That(t, r.capper.SetClampPosition(ctx, 3), test.ShouldNotBeNil)
	test.That(t, r.capper.SetClampPosition(ctx, 60), test.ShouldNotBeNil)

	test.That(t, r.capper.SetClampPosition(ctx, 4), test.ShouldBeNil)
	test.That(t, r.servo.angles[len(r.servo.angles)-1], test.ShouldEqual, 0)
	test.That(t, r.capper.SetClampPosition(ctx, 59), test.ShouldBeNil)
	test.That(t, r.servo.angles[len(r.servo.angles)-1], test.ShouldEqual, 180)
}

func TestClampCurrentLimit(t *testing.T) {
	ctx := context.Background()
	r := newTestCapper(t, &fakeAnalog{values: []int{0}}, nil, clock.NewMock())
	// One clampStrained check consumes 3 reads (one discarded). Two low checks,
	// then the servo strains against the cap.
	r.capper.servoCur = &fakeAnalog{values: append(repeat(50, 6), 400)}

	test.That(t, r.capper.closeClampTo(ctx, 31), test.ShouldBeNil)
	test.That(t, r.capper.ClampPosition(), test.ShouldEqual, 57)
}

func TestServoCurrent(t *testing.T) {
	ctx := context.Background()
	r := newTestCapper(t, &fakeAnalog{values: []int{0}}, nil, clock.NewMock())

	_, err := r.capper.ServoCurrent(ctx)
	test.That(t, err, test.ShouldNotBeNil)

	r.capper.servoCur = &fakeAnalog{values: []int{999, 120, 130}}
	ma, err := r.capper.ServoCurrent(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ma, test.ShouldAlmostEqual, 125)
}

func TestOpenContainer(t *testing.T) {
	ctx := context.Background()
	// High pressure while the container is pressed in and the cap still
	// holds, low once the cap comes free. One Pressure() call consumes 65
	// reads (one discarded).
	pressure := &fakeAnalog{values: append(repeat(900, 65), 50)}
	r := newTestCapper(t, pressure, nil, clock.NewMock())

	test.That(t, r.capper.OpenContainer(ctx, 31, 100), test.ShouldBeNil)
	// The clamp gripped the cap and the wrist stopped after release.
	test.That(t, r.capper.ClampPosition(), test.ShouldEqual, 31)
	test.That(t, r.pinA.high, test.ShouldBeFalse)
	test.That(t, r.pinB.high, test.ShouldBeFalse)
	test.That(t, r.pinA.sets, test.ShouldBeGreaterThan, 1)
	// 59 mm down to 31 mm, one millimeter per move.
	test.That(t, len(r.servo.angles), test.ShouldEqual, 28)
}

func TestOpenContainerNoContainer(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	pressure := &fakeAnalog{values: []int{50}, clk: clk, tick: time.Second}
	r := newTestCapper(t, pressure, nil, clk)

	err := r.capper.OpenContainer(ctx, 31, 100)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, strings.Contains(err.Error(), "TIMEOUT"), test.ShouldBeTrue)
	// Nothing was gripped and nothing turned.
	test.That(t, r.capper.ClampPosition(), test.ShouldEqual, 59)
	test.That(t, r.pinA.sets, test.ShouldEqual, 0)
}

func TestCloseContainer(t *testing.T) {
	ctx := context.Background()
	pressure := &fakeAnalog{values: []int{1200}}
	// One WristCurrent() call consumes 3 reads (one discarded): free running
	// at first, then the cap tightens.
	current := &fakeAnalog{values: append(repeat(50, 3), 250)}
	r := newTestCapper(t, pressure, current, clock.NewMock())
	test.That(t, r.capper.SetClampPosition(ctx, 31), test.ShouldBeNil)

	test.That(t, r.capper.CloseContainer(ctx, 1000, 200), test.ShouldBeNil)
	test.That(t, r.pinA.high, test.ShouldBeFalse)
	test.That(t, r.pinB.high, test.ShouldBeFalse)
	// The jaws let go of the tightened cap.
	test.That(t, r.capper.ClampPosition(), test.ShouldEqual, 59)
}

func TestCloseContainerNeedsCurrentSensor(t *testing.T) {
	ctx := context.Background()
	r := newTestCapper(t, &fakeAnalog{values: []int{1200}}, nil, clock.NewMock())
	err := r.capper.CloseContainer(ctx, 1000, 200)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, strings.Contains(err.Error(), "current sensor"), test.ShouldBeTrue)
}

func TestCapperDoCommand(t *testing.T) {
	ctx := context.Background()
	r := newTestCapper(t, &fakeAnalog{values: []int{500}}, nil, clock.NewMock())

	_, err := r.capper.DoCommand(ctx, map[string]interface{}{"command": "set_clamp", "width_mm": 31.0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.capper.ClampPosition(), test.ShouldEqual, 31)

	_, err = r.capper.DoCommand(ctx, map[string]interface{}{"command": "turn_wrist", "direction": 1.0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.pinA.high, test.ShouldBeTrue)

	_, err = r.capper.DoCommand(ctx, map[string]interface{}{"command": "stop_wrist"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.pinA.high, test.ShouldBeFalse)

	resp, err := r.capper.DoCommand(ctx, map[string]interface{}{"command": "pressure"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["pressure"], test.ShouldEqual, 500)

	_, err = r.capper.DoCommand(ctx, map[string]interface{}{"command": "wrist_current"})
	test.That(t, err, test.ShouldNotBeNil) // no sensor configured

	_, err = r.capper.DoCommand(ctx, map[string]interface{}{"command": "set_clamp"})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = r.capper.DoCommand(ctx, map[string]interface{}{"command": "decant"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCapperConfigValidate(t *testing.T) {
	good := Config{
		BoardName: "local", ServoName: "gripper",
		Pins:           Pins{MotorA: "29", MotorB: "31"},
		PressureSensor: "pressure",
	}
	deps, _, err := good.Validate("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"local", "gripper"})

	for _, mutate := range []func(*Config){
		func(c *Config) { c.BoardName = "" },
		func(c *Config) { c.ServoName = "" },
		func(c *Config) { c.Pins.MotorA = "" },
		func(c *Config) { c.Pins.MotorB = "" },
		func(c *Config) { c.PressureSensor = "" },
		func(c *Config) { c.ClampClosedMm = 10; c.ClampOpenMm = 5 },
	} {
		bad := good
		mutate(&bad)
		_, _, err := bad.Validate("")
		test.That(t, err, test.ShouldNotBeNil)
	}
}
