// Package electromagnet implements an H-bridge driven electromagnet used to
// hold and release stir bars. Releasing briefly reverses the field so the bar
// does not stick to the remanent magnetization of the core.
package electromagnet

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

var Model = resource.NewModel("bam", "lab-peripherals", "electromagnet")

func init() {
	resource.RegisterComponent(generic.API, Model, resource.Registration[resource.Resource, *Config]{
		Constructor: newMagnet,
	})
}

const defaultReleasePulse = 100 * time.Millisecond

// Pins defines the H-bridge wiring of the magnet coil.
type Pins struct {
	A string `json:"a"`
	B string `json:"b"`
}

// Config describes the configuration of an electromagnet.
type Config struct {
	BoardName      string `json:"board"`
	Pins           Pins   `json:"pins"`
	ReleasePulseMs int    `json:"release_pulse_ms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) ([]string, []string, error) {
	if c.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if c.Pins.A == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.a")
	}
	if c.Pins.B == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.b")
	}
	if c.ReleasePulseMs < 0 {
		return nil, nil, errors.Errorf("release_pulse_ms must be positive, got %d", c.ReleasePulseMs)
	}
	return []string{c.BoardName}, nil, nil
}

// A Magnet drives the coil through two GPIO pins. Swapping the active pin
// reverses the field polarity.
type Magnet struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	logger       logging.Logger
	opMgr        *operation.SingleOperationManager
	pinA         board.GPIOPin
	pinB         board.GPIOPin
	releasePulse time.Duration
}

func newMagnet(
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
	pinA, err := b.GPIOPinByName(newConf.Pins.A)
	if err != nil {
		return nil, err
	}
	pinB, err := b.GPIOPinByName(newConf.Pins.B)
	if err != nil {
		return nil, err
	}
	return makeMagnet(conf.ResourceName(), newConf, pinA, pinB, logger), nil
}

func makeMagnet(name resource.Name, conf *Config, pinA, pinB board.GPIOPin, logger logging.Logger) *Magnet {
	pulse := defaultReleasePulse
	if conf.ReleasePulseMs != 0 {
		pulse = time.Duration(conf.ReleasePulseMs) * time.Millisecond
	}
	return &Magnet{
		Named:        name.AsNamed(),
		logger:       logger,
		opMgr:        operation.NewSingleOperationManager(),
		pinA:         pinA,
		pinB:         pinB,
		releasePulse: pulse,
	}
}

// On energizes the coil, optionally with reversed polarity.
func (m *Magnet) On(ctx context.Context, reversed bool) error {
	ctx, done := m.opMgr.New(ctx)
	defer done()
	return multierr.Combine(
		m.pinA.Set(ctx, !reversed, nil),
		m.pinB.Set(ctx, reversed, nil),
	)
}

// Off de-energizes the coil.
func (m *Magnet) Off(ctx context.Context) error {
	ctx, done := m.opMgr.New(ctx)
	defer done()
	return m.off(ctx)
}

func (m *Magnet) off(ctx context.Context) error {
	return multierr.Combine(
		m.pinA.Set(ctx, false, nil),
		m.pinB.Set(ctx, false, nil),
	)
}

// Release drops whatever the magnet holds: a short reversed pulse, then off.
func (m *Magnet) Release(ctx context.Context) error {
	ctx, done := m.opMgr.New(ctx)
	defer done()
	if err := multierr.Combine(
		m.pinA.Set(ctx, false, nil),
		m.pinB.Set(ctx, true, nil),
	); err != nil {
		return multierr.Combine(err, m.off(ctx))
	}
	if !utils.SelectContextOrWait(ctx, m.releasePulse) {
		return multierr.Combine(errors.Wrap(ctx.Err(), "release interrupted"), m.off(ctx))
	}
	return m.off(ctx)
}

// DoCommand exposes the magnet operations over the generic component API.
func (m *Magnet) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("missing or malformed 'command' string")
	}
	switch name {
	case "on":
		return map[string]interface{}{}, m.On(ctx, false)
	case "reverse":
		return map[string]interface{}{}, m.On(ctx, true)
	case "off":
		return map[string]interface{}{}, m.Off(ctx)
	case "release":
		return map[string]interface{}{}, m.Release(ctx)
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}
