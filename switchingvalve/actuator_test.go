package switchingvalve

import (
	"context"
	"testing"

	"go.viam.com/test"
)

// fakeGPIOPin records the levels written to it.
type fakeGPIOPin struct {
	high    bool
	sets    int
	toggles int
}

func (p *fakeGPIOPin) Set(_ context.Context, high bool, _ map[string]interface{}) error {
	if p.high != high {
		p.toggles++
	}
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

func TestSteppedActuator(t *testing.T) {
	ctx := context.Background()
	dir, step, sleep := &fakeGPIOPin{}, &fakeGPIOPin{}, &fakeGPIOPin{}
	conf := &StepperConfig{
		Config:             Config{Ports: 6},
		StepsPerRevolution: 200,
		StepsPerSecond:     50000,
	}
	a := newSteppedActuator(dir, step, sleep, conf)
	test.That(t, a.UnitsPerRevolution(), test.ShouldEqual, 200)
	test.That(t, a.CoarseBurst(), test.ShouldEqual, 3)

	test.That(t, a.Enable(ctx, true), test.ShouldBeNil)
	test.That(t, sleep.high, test.ShouldBeTrue)

	test.That(t, a.Advance(ctx, 1, 4), test.ShouldBeNil)
	test.That(t, dir.high, test.ShouldBeTrue)
	// Each step is one rising and one falling edge.
	test.That(t, step.toggles, test.ShouldEqual, 8)

	test.That(t, a.Advance(ctx, -1, 2), test.ShouldBeNil)
	test.That(t, dir.high, test.ShouldBeFalse)
	test.That(t, step.toggles, test.ShouldEqual, 12)

	test.That(t, a.Halt(ctx), test.ShouldBeNil)
	test.That(t, a.Enable(ctx, false), test.ShouldBeNil)
	test.That(t, sleep.high, test.ShouldBeFalse)
}

func TestSteppedActuatorMicrostepping(t *testing.T) {
	ctx := context.Background()
	dir, step, sleep := &fakeGPIOPin{}, &fakeGPIOPin{}, &fakeGPIOPin{}
	conf := &StepperConfig{
		Config:             Config{Ports: 6, ClockwiseNumbering: true},
		StepsPerRevolution: 200,
		MicrostepFactor:    4,
		StepsPerSecond:     50000,
	}
	a := newSteppedActuator(dir, step, sleep, conf)
	test.That(t, a.UnitsPerRevolution(), test.ShouldEqual, 800)
	test.That(t, a.CoarseBurst(), test.ShouldEqual, 12)

	// Clockwise numbering reverses the physical rotation sense.
	test.That(t, a.Advance(ctx, 1, 1), test.ShouldBeNil)
	test.That(t, dir.high, test.ShouldBeFalse)
}

func TestSteppedActuatorEnablePolarity(t *testing.T) {
	ctx := context.Background()
	dir, step, sleep := &fakeGPIOPin{}, &fakeGPIOPin{}, &fakeGPIOPin{}
	low := false
	conf := &StepperConfig{
		Config:             Config{Ports: 6},
		StepsPerRevolution: 200,
		EnableIsHigh:       &low,
	}
	a := newSteppedActuator(dir, step, sleep, conf)

	test.That(t, a.Enable(ctx, true), test.ShouldBeNil)
	test.That(t, sleep.high, test.ShouldBeFalse)
	test.That(t, a.Enable(ctx, false), test.ShouldBeNil)
	test.That(t, sleep.high, test.ShouldBeTrue)
}

func TestContinuousActuator(t *testing.T) {
	ctx := context.Background()
	pinA, pinB := &fakeGPIOPin{}, &fakeGPIOPin{}
	conf := &DCConfig{
		Config:         Config{Ports: 8},
		PollIntervalMs: 1,
	}
	a := newContinuousActuator(pinA, pinB, conf)
	test.That(t, a.UnitsPerRevolution(), test.ShouldEqual, defaultUnitsPerRevolution)
	test.That(t, a.CoarseBurst(), test.ShouldEqual, 1)

	test.That(t, a.Advance(ctx, 1, 2), test.ShouldBeNil)
	test.That(t, pinA.high, test.ShouldBeTrue)
	test.That(t, pinB.high, test.ShouldBeFalse)

	// Keeping the same direction does not touch the pins again.
	sets := pinA.sets
	test.That(t, a.Advance(ctx, 1, 1), test.ShouldBeNil)
	test.That(t, pinA.sets, test.ShouldEqual, sets)

	test.That(t, a.Advance(ctx, -1, 1), test.ShouldBeNil)
	test.That(t, pinA.high, test.ShouldBeFalse)
	test.That(t, pinB.high, test.ShouldBeTrue)

	test.That(t, a.Halt(ctx), test.ShouldBeNil)
	test.That(t, pinA.high, test.ShouldBeFalse)
	test.That(t, pinB.high, test.ShouldBeFalse)
}

func TestContinuousActuatorClockwise(t *testing.T) {
	ctx := context.Background()
	pinA, pinB := &fakeGPIOPin{}, &fakeGPIOPin{}
	conf := &DCConfig{
		Config:             Config{Ports: 8, ClockwiseNumbering: true},
		UnitsPerRevolution: 64,
		PollIntervalMs:     1,
	}
	a := newContinuousActuator(pinA, pinB, conf)
	test.That(t, a.UnitsPerRevolution(), test.ShouldEqual, 64)

	test.That(t, a.Advance(ctx, 1, 1), test.ShouldBeNil)
	test.That(t, pinA.high, test.ShouldBeFalse)
	test.That(t, pinB.high, test.ShouldBeTrue)

	test.That(t, a.Enable(ctx, false), test.ShouldBeNil)
	test.That(t, pinB.high, test.ShouldBeFalse)
}
