package csc

// Bluetooth Service and Characteristic UUIDs for the Cycling Speed and Cadence profile
const (
	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCFeature             = "00002a5c-0000-1000-8000-00805f9b34fb"
)
