// Package hotplatefan implements the cooling fan mounted next to a hotplate,
// switched through a single GPIO pin.
package hotplatefan

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var Model = resource.NewModel("bam", "lab-peripherals", "hotplate-fan")

func init() {
	resource.RegisterComponent(generic.API, Model, resource.Registration[resource.Resource, *Config]{
		Constructor: newFan,
	})
}

// Config describes the configuration of a hotplate fan.
type Config struct {
	BoardName string `json:"board"`
	EnablePin string `json:"enable_pin"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) ([]string, []string, error) {
	if c.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if c.EnablePin == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "enable_pin")
	}
	return []string{c.BoardName}, nil, nil
}

// A Fan switches the fan supply on and off.
type Fan struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	logger logging.Logger
	pin    board.GPIOPin
}

func newFan(
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
	pin, err := b.GPIOPinByName(newConf.EnablePin)
	if err != nil {
		return nil, err
	}
	return makeFan(conf.ResourceName(), pin, logger), nil
}

func makeFan(name resource.Name, pin board.GPIOPin, logger logging.Logger) *Fan {
	return &Fan{
		Named:  name.AsNamed(),
		logger: logger,
		pin:    pin,
	}
}

func (f *Fan) On(ctx context.Context) error {
	return f.pin.Set(ctx, true, nil)
}

func (f *Fan) Off(ctx context.Context) error {
	return f.pin.Set(ctx, false, nil)
}

// DoCommand exposes the fan operations over the generic component API.
func (f *Fan) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("missing or malformed 'command' string")
	}
	switch name {
	case "on":
		return map[string]interface{}{}, f.On(ctx)
	case "off":
		return map[string]interface{}{}, f.Off(ctx)
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}
