//go:build examples
// +build examples

// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mmc56x3_test

import (
	"fmt"
	"log"
	"time"

	"github.com/GermanBionicSystems/mmc56x3"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// basic example program for the mmc56x3 driver.
//
// To execute this as a stand-alone program:
//
// Copy the file example_test.go to a new directory.
// rename the file to main.go
// rename the Example() function to main, and the package to main
//
// execute:
//
//	go mod init mydomain.com/mmc56x3
//	go mod tidy
//	go build -o main main.go
//	./main
func Example() {
	fmt.Println("mmc56x3 example program")
	if _, err := host.Init(); err != nil {
		fmt.Println(err)
	}
	bus, err := i2creg.Open("")
	if err != nil {
		log.Fatal(err)
	}
	dev, err := mmc56x3.NewI2C(bus, mmc56x3.DefaultAddr, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Halt()

	// Remove the sensor's bridge offset before trusting readings.
	if err := dev.Calibrate(); err != nil {
		log.Fatal(err)
	}

	celsius, err := dev.ReadTemperature()
	if err == nil {
		fmt.Printf("temperature: %.1f°C\n", celsius)
	} else {
		fmt.Println(err)
	}

	// One-shot reads.
	e, err := dev.Read()
	if err == nil {
		fmt.Printf("field: x=%.3fµT y=%.3fµT z=%.3fµT\n", e.X, e.Y, e.Z)
	} else {
		fmt.Println(err)
	}

	// Free-running reads at 100Hz, polled every 50ms for a second.
	if err := dev.SetDataRate(100); err != nil {
		log.Fatal(err)
	}
	if err := dev.SetContinuousMode(true); err != nil {
		log.Fatal(err)
	}
	ch, err := dev.ReadContinuous(50 * time.Millisecond)
	if err != nil {
		log.Fatal(err)
	}
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-ch:
			fmt.Printf("field: x=%.3fµT y=%.3fµT z=%.3fµT\n", e.X, e.Y, e.Z)
		case <-deadline:
			if err := dev.Halt(); err != nil {
				fmt.Println(err)
			}
			return
		}
	}
}
