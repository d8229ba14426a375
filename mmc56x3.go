// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mmc56x3

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// DefaultAddr is the I²C address of the MMC5603/MMC5613.
const DefaultAddr uint16 = 0x30

const (
	// Expected value of the product ID register.
	chipID byte = 0x10

	// Register addresses.
	_REGISTER_OUT_X      byte = 0x00 // 9 output bytes start here.
	_REGISTER_OUT_TEMP   byte = 0x09
	_REGISTER_STATUS     byte = 0x18
	_REGISTER_ODR        byte = 0x1a
	_REGISTER_CONTROL_0  byte = 0x1b
	_REGISTER_CONTROL_1  byte = 0x1c
	_REGISTER_CONTROL_2  byte = 0x1d
	_REGISTER_PRODUCT_ID byte = 0x39

	// Control register 0 bits.
	_CTRL0_TAKE_MEAS_M byte = 0x01 // Trigger a magnetic measurement.
	_CTRL0_TAKE_MEAS_T byte = 0x02 // Trigger a temperature measurement.
	_CTRL0_SET         byte = 0x08 // Pulse the set coil.
	_CTRL0_RESET       byte = 0x10 // Pulse the reset coil.
	_CTRL0_CMM_FREQ_EN byte = 0x80 // Start the continuous-mode frequency generator.

	// Control register 1 bits.
	_CTRL1_SW_RESET      byte = 0x80
	_CTRL1_MAX_READ_TIME byte = 0x20 // All axes, maximum read time.

	// Control register 2 bits. This register cannot be read back; the
	// driver keeps a shadow copy on Dev.
	_CTRL2_CMM_EN byte = 0x10
	_CTRL2_HPOWER byte = 0x80

	// Status register bits.
	_STATUS_MEAS_M_DONE byte = 1 << 6
	_STATUS_MEAS_T_DONE byte = 1 << 7
)

const (
	// Settle time after a software reset.
	resetDelay = 20 * time.Millisecond
	// Duration of a set or reset coil pulse.
	setResetDelay = time.Millisecond
	// Settle time after saturating the bridge during calibration. The
	// datasheet specifies 375µs for the SET operation.
	saturationDelay = 500 * time.Microsecond
	// Acquisition time for a triggered measurement at maximum read time.
	acquisitionDelay = 6600 * time.Microsecond
)

const (
	// Magnetic scale, in µT per count of the 20-bit output.
	microTeslaPerCount = 0.00625
	// Temperature scale. A count of 0 is -75°C, each count is 0.8°C.
	degreesPerCount   = 0.8
	temperatureOffset = -75.0
	// Measurement range in µT.
	rangeMicroTesla = 3000.0
)

// ErrMeasurementTimeout is returned when the device does not assert its
// measurement-done status bit within Opts.MeasurementTimeout.
var ErrMeasurementTimeout = errors.New("mmc56x3: measurement did not complete in time")

// ErrCalibrationTimeout is returned by Calibrate when one of the two
// saturated measurements does not complete within Opts.MeasurementTimeout.
var ErrCalibrationTimeout = errors.New("mmc56x3: calibration measurement did not complete in time")

var errContinuousMode = errors.New("mmc56x3: temperature unavailable while continuous mode is enabled")

// EventType tags the kind of measurement carried by an Event.
type EventType int

// EventMagneticField is a 3-axis magnetic flux density measurement in µT.
const EventMagneticField EventType = 2

// Event is a single normalized sensor reading.
type Event struct {
	SensorID int32
	Type     EventType
	// Milliseconds since the device handle was created.
	Timestamp int64
	// Bias-corrected magnetic flux density per axis, in µT.
	X, Y, Z float64
}

// SensorInfo describes the sensor behind a Dev.
type SensorInfo struct {
	Name     string
	Version  int
	SensorID int32
	Type     EventType
	// Measurement limits and smallest step, in µT.
	MaxValue   float64
	MinValue   float64
	Resolution float64
}

// Opts holds the configuration options for the device.
type Opts struct {
	// SensorID is a caller-chosen identifier stamped on every Event, to
	// tell this sensor apart from others in a larger system.
	SensorID int32
	// MeasurementTimeout bounds how long a triggered measurement may
	// take before the poll gives up with ErrMeasurementTimeout. 0 means
	// no timeout.
	MeasurementTimeout time.Duration
	// MeasurementWaitInterval is the delay between status register
	// polls while waiting for a measurement. Leave 0 to use the default.
	MeasurementWaitInterval time.Duration
}

// DefaultOpts holds the default configuration options for the device.
var DefaultOpts = Opts{
	MeasurementTimeout:      250 * time.Millisecond,
	MeasurementWaitInterval: 5 * time.Millisecond,
}

// Dev represents an MMC5603/MMC5613 sensor.
//
// Dev methods serialize access with an internal lock, but the device
// itself holds per-handle state; do not share one physical sensor
// between multiple Dev instances.
type Dev struct {
	d     *i2c.Dev
	opts  Opts
	start time.Time

	mu       sync.Mutex
	shutdown chan struct{}
	// Cached output data rate as last set by SetDataRate. The ODR
	// register is write-only in this driver's usage, so the cache is
	// authoritative.
	odr uint16
	// Shadow of control register 2. The continuous-enable and
	// high-power bits cannot be read back from the device; the shadow
	// is authoritative.
	ctrl2 byte
	// Bridge offset per axis in raw counts, estimated by Calibrate and
	// subtracted from every subsequent reading.
	offset [3]int32
}

// NewI2C returns an object that communicates over I²C to an MMC5603 or
// MMC5613 magnetometer. It verifies the product ID of the device and
// performs a software reset, leaving the sensor in one-shot mode.
// The Opts can be nil.
func NewI2C(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.MeasurementWaitInterval <= 0 {
		o.MeasurementWaitInterval = 5 * time.Millisecond
	}
	d := &Dev{d: &i2c.Dev{Bus: b, Addr: addr}, opts: o, start: time.Now()}
	id, err := d.readReg(_REGISTER_PRODUCT_ID)
	if err != nil {
		return nil, fmt.Errorf("mmc56x3: reading product ID: %w", err)
	}
	if id != chipID {
		return nil, fmt.Errorf("mmc56x3: unexpected product ID 0x%02x, want 0x%02x", id, chipID)
	}
	return d, d.Reset()
}

func (d *Dev) writeReg(reg, value byte) error {
	if err := d.d.Tx([]byte{reg, value}, nil); err != nil {
		return fmt.Errorf("mmc56x3: writing register 0x%02x: %w", reg, err)
	}
	return nil
}

func (d *Dev) readReg(reg byte) (byte, error) {
	var r [1]byte
	if err := d.d.Tx([]byte{reg}, r[:]); err != nil {
		return 0, fmt.Errorf("mmc56x3: reading register 0x%02x: %w", reg, err)
	}
	return r[0], nil
}

// waitStatus polls the status register until bit is set. timeoutErr is
// returned if the bit is still clear after Opts.MeasurementTimeout.
func (d *Dev) waitStatus(bit byte, timeoutErr error) error {
	deadline := time.Now().Add(d.opts.MeasurementTimeout)
	for {
		status, err := d.readReg(_REGISTER_STATUS)
		if err != nil {
			return err
		}
		if status&bit != 0 {
			return nil
		}
		if d.opts.MeasurementTimeout > 0 && !time.Now().Before(deadline) {
			return timeoutErr
		}
		time.Sleep(d.opts.MeasurementWaitInterval)
	}
}

// decodeXYZ reconstructs the three 20-bit axis counts from the 9 output
// bytes. The first six bytes carry the high and middle byte of each
// axis; the last three each carry one axis' low nibble in their upper
// half.
func decodeXYZ(buf []byte) (x, y, z int32) {
	x = int32(uint32(buf[0])<<12 | uint32(buf[1])<<4 | uint32(buf[6])>>4)
	y = int32(uint32(buf[2])<<12 | uint32(buf[3])<<4 | uint32(buf[7])>>4)
	z = int32(uint32(buf[4])<<12 | uint32(buf[5])<<4 | uint32(buf[8])>>4)
	return
}

// readXYZ reads all 9 output bytes in one transaction so the three axes
// come from the same sample.
func (d *Dev) readXYZ() (x, y, z int32, err error) {
	var buf [9]byte
	if err = d.d.Tx([]byte{_REGISTER_OUT_X}, buf[:]); err != nil {
		err = fmt.Errorf("mmc56x3: reading output registers: %w", err)
		return
	}
	x, y, z = decodeXYZ(buf[:])
	return
}

// Reset performs a software reset of the device, clears the cached data
// rate, mode and offset state, degausses the sense coils and leaves the
// sensor in one-shot mode.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reset()
}

func (d *Dev) reset() error {
	if err := d.writeReg(_REGISTER_CONTROL_1, _CTRL1_SW_RESET); err != nil {
		return err
	}
	time.Sleep(resetDelay)
	d.odr = 0
	d.ctrl2 = 0
	d.offset = [3]int32{}
	if err := d.setReset(); err != nil {
		return err
	}
	return d.setContinuousMode(false)
}

// SetReset pulses large currents through the sense coils to restore the
// sensor bridge to a neutral magnetization. Required before the
// absolute sign of readings can be trusted.
func (d *Dev) SetReset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setReset()
}

func (d *Dev) setReset() error {
	if err := d.writeReg(_REGISTER_CONTROL_0, _CTRL0_SET); err != nil {
		return err
	}
	time.Sleep(setResetDelay)
	if err := d.writeReg(_REGISTER_CONTROL_0, _CTRL0_RESET); err != nil {
		return err
	}
	time.Sleep(setResetDelay)
	return nil
}

// Calibrate estimates the sensor's internal bridge offset and stores it
// for correction of subsequent readings.
//
// The bridge is saturated in one polarity with a SET pulse and
// measured, then saturated in the opposite polarity with a RESET pulse
// and measured again. The ambient field contributes with opposite sign
// to the two measurements while the bridge offset contributes with the
// same sign, so the per-axis average isolates the offset. The offset is
// not persisted and varies significantly with temperature.
//
// Continuous mode and control register state are restored afterwards.
func (d *Dev) Calibrate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	oldCtrl1, err := d.readReg(_REGISTER_CONTROL_1)
	if err != nil {
		return err
	}
	oldCtrl2 := d.ctrl2
	wasContinuous := d.ctrl2&_CTRL2_CMM_EN != 0
	if err := d.setContinuousMode(false); err != nil {
		return err
	}

	// Saturate one polarity and measure.
	if err := d.writeReg(_REGISTER_CONTROL_0, _CTRL0_SET); err != nil {
		return err
	}
	time.Sleep(saturationDelay)
	if err := d.writeReg(_REGISTER_CONTROL_1, _CTRL1_MAX_READ_TIME); err != nil {
		return err
	}
	xHigh, yHigh, zHigh, err := d.triggeredSample(ErrCalibrationTimeout)
	if err != nil {
		return err
	}

	// Saturate the opposite polarity and measure again.
	if err := d.writeReg(_REGISTER_CONTROL_0, _CTRL0_RESET); err != nil {
		return err
	}
	time.Sleep(saturationDelay)
	xLow, yLow, zLow, err := d.triggeredSample(ErrCalibrationTimeout)
	if err != nil {
		return err
	}

	d.offset[0] = (xHigh + xLow) / 2
	d.offset[1] = (yHigh + yLow) / 2
	d.offset[2] = (zHigh + zLow) / 2

	// Restore the saved register state and bridge magnetization.
	if err := d.writeReg(_REGISTER_CONTROL_1, oldCtrl1); err != nil {
		return err
	}
	d.ctrl2 = oldCtrl2
	if err := d.writeReg(_REGISTER_CONTROL_2, d.ctrl2); err != nil {
		return err
	}
	if err := d.setReset(); err != nil {
		return err
	}
	return d.setContinuousMode(wasContinuous)
}

// triggeredSample triggers a magnetic measurement, waits for it to
// complete and returns the raw axis counts.
func (d *Dev) triggeredSample(timeoutErr error) (x, y, z int32, err error) {
	if err = d.writeReg(_REGISTER_CONTROL_0, _CTRL0_TAKE_MEAS_M); err != nil {
		return
	}
	time.Sleep(acquisitionDelay)
	if err = d.waitStatus(_STATUS_MEAS_M_DONE, timeoutErr); err != nil {
		return
	}
	return d.readXYZ()
}

// SetContinuousMode switches the device between free-running continuous
// sampling and triggered one-shot mode.
//
// Enabling starts the continuous-mode frequency generator and sets the
// continuous-enable bit; disabling only clears the continuous-enable
// bit. Set a data rate with SetDataRate before enabling.
func (d *Dev) SetContinuousMode(continuous bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setContinuousMode(continuous)
}

func (d *Dev) setContinuousMode(continuous bool) error {
	if continuous {
		if err := d.writeReg(_REGISTER_CONTROL_0, _CTRL0_CMM_FREQ_EN); err != nil {
			return err
		}
		d.ctrl2 |= _CTRL2_CMM_EN
	} else {
		d.ctrl2 &^= _CTRL2_CMM_EN
	}
	return d.writeReg(_REGISTER_CONTROL_2, d.ctrl2)
}

// ContinuousMode reports whether the device is in continuous mode. It
// answers from the control register shadow without bus traffic, as the
// continuous-enable bit cannot be read back from the device.
func (d *Dev) ContinuousMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctrl2&_CTRL2_CMM_EN != 0
}

// SetDataRate sets the continuous-mode update rate in Hz. Valid rates
// are 0-255; any higher rate is clamped to the 1000Hz high-power mode.
func (d *Dev) SetDataRate(rate uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rate > 255 {
		rate = 1000
	}
	d.odr = rate
	if rate == 1000 {
		if err := d.writeReg(_REGISTER_ODR, 255); err != nil {
			return err
		}
		d.ctrl2 |= _CTRL2_HPOWER
	} else {
		if err := d.writeReg(_REGISTER_ODR, byte(rate)); err != nil {
			return err
		}
		d.ctrl2 &^= _CTRL2_HPOWER
	}
	return d.writeReg(_REGISTER_CONTROL_2, d.ctrl2)
}

// DataRate returns the update rate last set with SetDataRate, 0-255 or
// 1000. The value is cached; the device's rate register is not read.
func (d *Dev) DataRate() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.odr
}

// ReadTemperature returns the die temperature in °C.
//
// The temperature trigger does not function while the device samples
// the magnetometer continuously; NaN is returned in that case. Bus
// faults and measurement timeouts are returned as errors.
func (d *Dev) ReadTemperature() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctrl2&_CTRL2_CMM_EN != 0 {
		return math.NaN(), nil
	}
	if err := d.writeReg(_REGISTER_CONTROL_0, _CTRL0_TAKE_MEAS_T); err != nil {
		return math.NaN(), err
	}
	if err := d.waitStatus(_STATUS_MEAS_T_DONE, ErrMeasurementTimeout); err != nil {
		return math.NaN(), err
	}
	count, err := d.readReg(_REGISTER_OUT_TEMP)
	if err != nil {
		return math.NaN(), err
	}
	return float64(count)*degreesPerCount + temperatureOffset, nil
}

// Read returns a bias-corrected magnetic field event.
//
// In one-shot mode a measurement is triggered and waited for; in
// continuous mode the most recent free-running sample is read directly.
// The stored calibration offset is subtracted from each axis before
// scaling to µT.
func (d *Dev) Read() (Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.read()
}

func (d *Dev) read() (Event, error) {
	var e Event
	if d.ctrl2&_CTRL2_CMM_EN == 0 {
		if err := d.writeReg(_REGISTER_CONTROL_0, _CTRL0_TAKE_MEAS_M); err != nil {
			return e, err
		}
		if err := d.waitStatus(_STATUS_MEAS_M_DONE, ErrMeasurementTimeout); err != nil {
			return e, err
		}
	}
	x, y, z, err := d.readXYZ()
	if err != nil {
		return e, err
	}
	e.SensorID = d.opts.SensorID
	e.Type = EventMagneticField
	e.Timestamp = int64(time.Since(d.start) / time.Millisecond)
	e.X = float64(x-d.offset[0]) * microTeslaPerCount
	e.Y = float64(y-d.offset[1]) * microTeslaPerCount
	e.Z = float64(z-d.offset[2]) * microTeslaPerCount
	return e, nil
}

// ReadContinuous polls the device at the given interval and writes each
// event to the returned channel. To terminate the reads, call Halt().
// Only one continuous read, magnetic or environmental, may run at a
// time.
func (d *Dev) ReadContinuous(interval time.Duration) (<-chan Event, error) {
	d.mu.Lock()
	if d.shutdown != nil {
		d.mu.Unlock()
		return nil, errors.New("mmc56x3: continuous read already running")
	}
	shutdown := make(chan struct{})
	d.shutdown = shutdown
	d.mu.Unlock()

	ch := make(chan Event, 16)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(ch)
		for {
			select {
			case <-shutdown:
				return
			case <-ticker.C:
				if e, err := d.Read(); err == nil {
					ch <- e
				}
			}
		}
	}()
	return ch, nil
}

// SensorInfo returns fixed metadata about the sensor.
func (d *Dev) SensorInfo() SensorInfo {
	return SensorInfo{
		Name:       "MMC5603",
		Version:    1,
		SensorID:   d.opts.SensorID,
		Type:       EventMagneticField,
		MaxValue:   rangeMicroTesla,
		MinValue:   -rangeMicroTesla,
		Resolution: microTeslaPerCount,
	}
}

// Sense reads the die temperature from the device and writes the value
// to the specified env variable. Implements physic.SenseEnv. An error
// is returned while continuous magnetic sampling is enabled, since the
// temperature trigger is unavailable then.
func (d *Dev) Sense(env *physic.Env) error {
	env.Temperature = 0
	env.Pressure = 0
	env.Humidity = 0
	celsius, err := d.ReadTemperature()
	if err != nil {
		return err
	}
	if math.IsNaN(celsius) {
		return errContinuousMode
	}
	env.Temperature = physic.ZeroCelsius + physic.Temperature(celsius*float64(physic.Celsius))
	return nil
}

// SenseContinuous continuously reads the die temperature and writes the
// value to the returned channel. Implements physic.SenseEnv. To
// terminate the continuous read, call Halt().
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	if d.shutdown != nil {
		d.mu.Unlock()
		return nil, errors.New("mmc56x3: continuous read already running")
	}
	if d.ctrl2&_CTRL2_CMM_EN != 0 {
		d.mu.Unlock()
		return nil, errContinuousMode
	}
	shutdown := make(chan struct{})
	d.shutdown = shutdown
	d.mu.Unlock()

	ch := make(chan physic.Env, 16)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(ch)
		for {
			select {
			case <-shutdown:
				return
			case <-ticker.C:
				env := physic.Env{}
				if err := d.Sense(&env); err == nil {
					ch <- env
				}
			}
		}
	}()
	return ch, nil
}

// Precision returns the smallest temperature step the device can
// report. Implements physic.SenseEnv.
func (d *Dev) Precision(env *physic.Env) {
	env.Temperature = 800 * physic.MilliKelvin
	env.Pressure = 0
	env.Humidity = 0
}

// Halt aborts any in-progress continuous read and returns the device to
// one-shot mode. Implements conn.Resource.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		close(d.shutdown)
		d.shutdown = nil
	}
	return d.setContinuousMode(false)
}

func (d *Dev) String() string {
	return fmt.Sprintf("mmc56x3: %s", d.d.String())
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
