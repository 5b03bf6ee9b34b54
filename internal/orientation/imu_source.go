// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"
)

type imuSource struct {
	imu *mpu9250.MPU9250
}

// NewIMUSource initializes an MPU9250 over SPI and returns a Source that
// reads pitch/roll from the accelerometer. The handset rig mounts the
// sensor with its axes aligned to the phone frame used by FromGravity.
func NewIMUSource(spiDevice, csPin string) (Source, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	cs := gpioreg.ByName(csPin)
	if cs == nil {
		return nil, fmt.Errorf("IMU CS pin %q not found", csPin)
	}

	tr, err := mpu9250.NewSpiTransport(spiDevice, cs)
	if err != nil {
		return nil, fmt.Errorf("IMU SPI transport (%s): %w", spiDevice, err)
	}

	imu, err := mpu9250.New(*tr)
	if err != nil {
		return nil, fmt.Errorf("IMU new device: %w", err)
	}

	if err := imu.Init(); err != nil {
		return nil, fmt.Errorf("IMU init: %w", err)
	}

	// Self-test and calibration are not fatal: an uncalibrated sensor still
	// guides well enough at 15° tolerance.
	if _, err := imu.SelfTest(); err != nil {
		log.Printf("orientation: IMU self-test failed: %v", err)
	}
	if err := imu.Calibrate(); err != nil {
		log.Printf("orientation: IMU calibration failed: %v", err)
	}

	return &imuSource{imu: imu}, nil
}

func (s *imuSource) Next() (Sample, error) {
	ax, err := s.imu.GetAccelerationX()
	if err != nil {
		return Sample{}, fmt.Errorf("IMU acc X: %w", err)
	}
	ay, err := s.imu.GetAccelerationY()
	if err != nil {
		return Sample{}, fmt.Errorf("IMU acc Y: %w", err)
	}
	az, err := s.imu.GetAccelerationZ()
	if err != nil {
		return Sample{}, fmt.Errorf("IMU acc Z: %w", err)
	}

	return Sample{
		Pose: FromGravity(float64(ax), float64(ay), float64(az)),
		Time: time.Now(),
	}, nil
}
