// Package device provides the Bluetooth Low Energy (BLE) abstractions the reader
// transport is built on: a connected peripheral, its discovered GATT profile, and
// characteristic write and notification operations.
//
// Concrete implementations live in the goble subpackage; tests substitute the
// in-memory fakes from internal/testutils.
package device
