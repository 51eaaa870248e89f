// Package dht22 exposes a DHT22 temperature/humidity probe attached through
// the Linux iio dht11 kernel driver as a sensor component.
package dht22

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var Model = resource.NewModel("bam", "lab-peripherals", "dht22")

func init() {
	resource.RegisterComponent(sensor.API, Model, resource.Registration[sensor.Sensor, *Config]{
		Constructor: newDHT22,
	})
}

const (
	temperatureFile = "in_temp_input"
	humidityFile    = "in_humidityrelative_input"
)

// Config describes the configuration of a DHT22 sensor. Device is the iio
// device directory, e.g. /sys/bus/iio/devices/iio:device0.
type Config struct {
	Device string `json:"device"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) ([]string, []string, error) {
	if c.Device == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "device")
	}
	return nil, nil, nil
}

// DHT22 reads temperature and relative humidity from the kernel driver's
// sysfs files. The driver retries the one-wire handshake itself, so a read
// error here means the probe is genuinely unreachable.
type DHT22 struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	logger logging.Logger
	device string
}

func newDHT22(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	return &DHT22{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		device: newConf.Device,
	}, nil
}

// readMilli parses one sysfs value file holding an integer in thousandths.
func (d *DHT22) readMilli(file string) (float64, error) {
	raw, err := os.ReadFile(filepath.Join(d.device, file))
	if err != nil {
		return 0, errors.Wrapf(err, "can't read %s from dht22 device %s", file, d.device)
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, errors.Wrapf(err, "malformed %s from dht22 device %s", file, d.device)
	}
	return float64(milli) / 1000.0, nil
}

// Readings returns the temperature in degrees Celsius and the relative
// humidity in percent.
func (d *DHT22) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	temp, err := d.readMilli(temperatureFile)
	if err != nil {
		return nil, err
	}
	humidity, err := d.readMilli(humidityFile)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"temperature_celsius":       temp,
		"relative_humidity_percent": humidity,
	}, nil
}
