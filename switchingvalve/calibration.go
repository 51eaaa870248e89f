package switchingvalve

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"lab-peripherals/hwutil"
)

const (
	// extremaCapacity bounds how many local extrema a calibration revolution
	// may produce. A signal noisier than that can't be calibrated against.
	extremaCapacity = 64
	// thresholdAttenuation scales the weakest expected magnet peak down to the
	// detection threshold (1/e).
	thresholdAttenuation = 0.36787944

	livenessReads = 3
	livenessPause = 2 * time.Millisecond
)

func iabs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Initialize self-calibrates the valve and homes it to port 0. It measures
// the sensor baseline and detection threshold over a full revolution, verifies
// the magnet count and polarity layout, locates the reversed-polarity magnet
// marking the reference port and finally moves to port 0.
func (v *Valve) Initialize(ctx context.Context) error {
	ctx, done := v.opMgr.New(ctx)
	defer done()
	v.mu.Lock()
	defer v.mu.Unlock()

	v.calibrated = false
	v.idleSignal = 0
	v.threshold = 0

	// Make sure the sensor is responding at all before moving anything. A
	// disconnected input reads a constant zero.
	sum := 0
	for i := 0; i < livenessReads; i++ {
		sig, err := v.sensor.read(ctx)
		if err != nil {
			return v.abort(ctx, err)
		}
		sum += sig
		if !utils.SelectContextOrWait(ctx, livenessPause) {
			return v.abort(ctx, ctx.Err())
		}
	}
	if sum == 0 {
		return v.fail(ctx, ErrSensorFault)
	}

	if err := v.act.Enable(ctx, true); err != nil {
		return err
	}

	// One full revolution of samples calibrates baseline and threshold.
	burst := v.act.CoarseBurst()
	samples := make([]int, v.act.UnitsPerRevolution()/burst+1)
	for i := range samples {
		if err := v.act.Advance(ctx, 1, burst); err != nil {
			return v.abort(ctx, err)
		}
		sig, err := v.readSensor(ctx)
		if err != nil {
			return v.abort(ctx, err)
		}
		samples[i] = sig
	}

	idle, err := estimateBaseline(samples)
	if err != nil {
		v.logger.CWarnf(ctx, "calibrating valve (%s): %v", v.valveName, err)
		return v.fail(ctx, ErrSensorFault)
	}
	v.idleSignal = idle
	threshold, err := estimateThreshold(samples, idle, v.ports)
	if err != nil {
		v.logger.CWarnf(ctx, "calibrating valve (%s): %v", v.valveName, err)
		return v.fail(ctx, ErrSensorFault)
	}
	v.threshold = threshold

	// Second revolution: census of the magnets. All but the reference magnet
	// must share one polarity, so the polarity counts differ by ports-2.
	sig, err := v.readSensor(ctx)
	if err != nil {
		return v.abort(ctx, err)
	}
	inField := v.deviation(sig) >= v.threshold
	positive, negative := 0, 0
	for i := 0; i < len(samples); i++ {
		if err := v.act.Advance(ctx, 1, burst); err != nil {
			return v.abort(ctx, err)
		}
		sig, err = v.readSensor(ctx)
		if err != nil {
			return v.abort(ctx, err)
		}
		if !inField && v.deviation(sig) >= v.threshold {
			inField = true
			if sig > v.idleSignal {
				positive++
			} else {
				negative++
			}
		}
		if v.deviation(sig) < v.threshold {
			inField = false
		}
	}
	if iabs(positive-negative) != v.ports-2 {
		return v.fail(ctx, ErrPolarityFault)
	}
	majorityPositive := positive > negative

	// Find the reversed-polarity magnet. It must turn up within two more
	// revolutions' worth of magnet crossings.
	dl := hwutil.NewDeadline(v.clk, v.initTimeout)
	if !(inField && (sig > v.idleSignal) != majorityPositive) {
		crossings := 0
		for crossings <= 2*v.ports {
			if dl.Expired() {
				return v.fail(ctx, ErrTimeout)
			}
			sig, err = v.readSensor(ctx)
			if err != nil {
				return v.abort(ctx, err)
			}
			if !inField && v.deviation(sig) >= v.threshold {
				crossings++
				inField = true
				if (sig > v.idleSignal) != majorityPositive {
					break
				}
			}
			if v.deviation(sig) < v.threshold {
				inField = false
			}
			if err := v.act.Advance(ctx, 1, burst); err != nil {
				return v.abort(ctx, err)
			}
		}
		if crossings >= 2*v.ports {
			return v.fail(ctx, ErrTimeout)
		}
	}

	// Center on the reference magnet's peak, then step one unit back since
	// the climb always overshoots by one.
	last := sig
	for v.deviation(last) <= v.deviation(sig) {
		if dl.Expired() {
			return v.fail(ctx, ErrTimeout)
		}
		if err := v.act.Advance(ctx, 1, 1); err != nil {
			return v.abort(ctx, err)
		}
		last = sig
		sig, err = v.readSensor(ctx)
		if err != nil {
			return v.abort(ctx, err)
		}
	}
	if err := v.act.Advance(ctx, -1, 1); err != nil {
		return v.abort(ctx, err)
	}
	if err := v.act.Enable(ctx, false); err != nil {
		return err
	}

	v.currentPos = v.referencePort
	v.calibrated = true
	return v.gotoPosition(ctx, 0)
}

// estimateBaseline returns the median of the local minima of one revolution of
// samples. Between magnets the signal sits at its idle level, so the minima
// cluster there regardless of magnet polarity mix.
func estimateBaseline(samples []int) (int, error) {
	var minima []int
	for i := 1; i < len(samples)-1; i++ {
		if samples[i-1] >= samples[i] && samples[i+1] >= samples[i] {
			minima = append(minima, samples[i])
		}
	}
	if len(minima) == 0 {
		return 0, errors.New("no local minima in calibration samples")
	}
	if len(minima) > extremaCapacity {
		return 0, errors.Errorf("signal too noisy: %d local minima", len(minima))
	}
	sort.Ints(minima)
	return minima[len(minima)/2], nil
}

// estimateThreshold returns the attenuated ports-th largest peak of the
// absolute deviation from the baseline. Scaling the weakest magnet's peak by
// 1/e keeps the threshold below every real peak yet above the noise floor.
func estimateThreshold(samples []int, idle, ports int) (int, error) {
	var peaks []int
	for i := 1; i < len(samples)-1; i++ {
		dev := iabs(samples[i] - idle)
		if iabs(samples[i-1]-idle) <= dev && iabs(samples[i+1]-idle) <= dev {
			peaks = append(peaks, dev)
		}
	}
	if len(peaks) > extremaCapacity {
		return 0, errors.Errorf("signal too noisy: %d local maxima", len(peaks))
	}
	if len(peaks) < ports {
		return 0, errors.Errorf("expected at least %d peaks, found %d", ports, len(peaks))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(peaks)))
	return int(float64(peaks[ports-1]) * thresholdAttenuation), nil
}
