// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mmc56x3 controls a Memsic MMC5603/MMC5613 3-axis magnetometer
// and temperature sensor over I²C.
//
// The device measures magnetic flux density on three axes with 20-bit
// resolution at 0.00625µT per count over a ±3000µT range, and reports
// die temperature at 0.8°C per count. It supports triggered one-shot
// measurements as well as a free-running continuous mode, and can
// remove its internal bridge offset through a set/reset calibration
// sequence.
//
// # Datasheet
//
// https://www.memsic.com/Public/Uploads/uploadfile/files/20220119/MMC5603NJDatasheetRev.B.pdf
package mmc56x3
