package switchingvalve

import (
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"
)

// Config holds the settings shared by both valve variants.
type Config struct {
	BoardName          string `json:"board"`
	HallSensor         string `json:"hall_sensor"`
	Ports              int    `json:"ports"`
	ReferencePort      int    `json:"reference_port"`
	ClockwiseNumbering bool   `json:"clockwise_numbering,omitempty"`
	InitTimeoutMs      int    `json:"init_timeout_ms,omitempty"`
	MoveTimeoutMs      int    `json:"move_timeout_ms,omitempty"`
	Debug              bool   `json:"debug,omitempty"`
}

// validate checks the fields common to both variants and returns the board the
// valve depends on.
func (c *Config) validate(path string) ([]string, error) {
	if c.BoardName == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if c.HallSensor == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "hall_sensor")
	}
	// At least one majority-polarity and one minority-polarity magnet must be
	// distinguishable, so a valve needs three ports or more.
	if c.Ports < 3 || c.Ports > 255 {
		return nil, errors.Errorf("ports must be between 3 and 255, got %d", c.Ports)
	}
	if c.ReferencePort < 0 || c.ReferencePort >= c.Ports {
		return nil, errors.Errorf("reference_port must be between 0 and %d, got %d", c.Ports-1, c.ReferencePort)
	}
	if c.InitTimeoutMs < 0 || c.MoveTimeoutMs < 0 {
		return nil, errors.New("timeouts must not be negative")
	}
	return []string{c.BoardName}, nil
}

func (c *Config) initTimeout(fallback time.Duration) time.Duration {
	if c.InitTimeoutMs == 0 {
		return fallback
	}
	return time.Duration(c.InitTimeoutMs) * time.Millisecond
}

func (c *Config) moveTimeout(fallback time.Duration) time.Duration {
	if c.MoveTimeoutMs == 0 {
		return fallback
	}
	return time.Duration(c.MoveTimeoutMs) * time.Millisecond
}

// StepperPins defines the wiring of a stepper-driven valve.
type StepperPins struct {
	Direction string `json:"dir"`
	Step      string `json:"step"`
	Sleep     string `json:"sleep"`
}

// StepperConfig describes the configuration of a stepper-driven valve.
type StepperConfig struct {
	Config
	Pins               StepperPins `json:"pins"`
	StepsPerRevolution int         `json:"steps_per_revolution"`
	MicrostepFactor    int         `json:"microstep_factor,omitempty"`
	StepsPerSecond     int         `json:"steps_per_second,omitempty"`
	EnableIsHigh       *bool       `json:"enable_is_high,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *StepperConfig) Validate(path string) ([]string, []string, error) {
	deps, err := c.Config.validate(path)
	if err != nil {
		return nil, nil, err
	}
	if c.Pins.Direction == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.dir")
	}
	if c.Pins.Step == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.step")
	}
	if c.Pins.Sleep == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.sleep")
	}
	if c.StepsPerRevolution <= 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "steps_per_revolution")
	}
	if c.MicrostepFactor < 0 {
		return nil, nil, errors.Errorf("microstep_factor must be positive, got %d", c.MicrostepFactor)
	}
	return deps, nil, nil
}

// DCPins defines the H-bridge wiring of a DC-motor-driven valve.
type DCPins struct {
	MotorA string `json:"motor_a"`
	MotorB string `json:"motor_b"`
}

// DCConfig describes the configuration of a DC-motor-driven valve. The motor
// free-runs; position is inferred purely from hall sensor transitions, with one
// poll interval acting as the smallest unit of travel.
type DCConfig struct {
	Config
	Pins               DCPins `json:"pins"`
	UnitsPerRevolution int    `json:"units_per_revolution,omitempty"`
	PollIntervalMs     int    `json:"poll_interval_ms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *DCConfig) Validate(path string) ([]string, []string, error) {
	deps, err := c.Config.validate(path)
	if err != nil {
		return nil, nil, err
	}
	if c.Pins.MotorA == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.motor_a")
	}
	if c.Pins.MotorB == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.motor_b")
	}
	if c.UnitsPerRevolution < 0 || c.PollIntervalMs < 0 {
		return nil, nil, errors.New("units_per_revolution and poll_interval_ms must be positive")
	}
	return deps, nil, nil
}
