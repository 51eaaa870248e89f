package dht22

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/test"
)

func writeDeviceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	test.That(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644), test.ShouldBeNil)
}

func newTestSensor(t *testing.T, dir string) *DHT22 {
	t.Helper()
	return &DHT22{
		Named:  resource.NewName(sensor.API, "dht1").AsNamed(),
		logger: logging.NewTestLogger(t),
		device: dir,
	}
}

func TestReadings(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeDeviceFile(t, dir, "in_temp_input", "23400\n")
	writeDeviceFile(t, dir, "in_humidityrelative_input", "55200\n")

	d := newTestSensor(t, dir)
	readings, err := d.Readings(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, readings["temperature_celsius"], test.ShouldAlmostEqual, 23.4)
	test.That(t, readings["relative_humidity_percent"], test.ShouldAlmostEqual, 55.2)
}

func TestReadingsNegativeTemperature(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeDeviceFile(t, dir, "in_temp_input", "-10500\n")
	writeDeviceFile(t, dir, "in_humidityrelative_input", "30000\n")

	d := newTestSensor(t, dir)
	readings, err := d.Readings(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, readings["temperature_celsius"], test.ShouldAlmostEqual, -10.5)
}

func TestReadingsDeviceMissing(t *testing.T) {
	ctx := context.Background()
	d := newTestSensor(t, filepath.Join(t.TempDir(), "iio:device9"))
	_, err := d.Readings(ctx, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReadingsMalformedValue(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeDeviceFile(t, dir, "in_temp_input", "soggy\n")
	writeDeviceFile(t, dir, "in_humidityrelative_input", "30000\n")

	d := newTestSensor(t, dir)
	_, err := d.Readings(ctx, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDHT22ConfigValidate(t *testing.T) {
	good := Config{Device: "/sys/bus/iio/devices/iio:device0"}
	_, _, err := good.Validate("")
	test.That(t, err, test.ShouldBeNil)

	bad := Config{}
	_, _, err = bad.Validate("")
	test.That(t, err, test.ShouldNotBeNil)
}
