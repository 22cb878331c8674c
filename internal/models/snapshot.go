package models

import (
	"fmt"
	"time"
)

// NotAvailable is reported as LastDataRead until a sensor has been read once
const NotAvailable = "N/A"

// Snapshot is every property of one Mijia sensor resolved at the same moment.
type Snapshot struct {
	Address           string    `json:"macAddress"`
	Name              string    `json:"name"`
	FirmwareVersion   string    `json:"firmwareVersion"`
	BatteryPercentage int       `json:"batteryPercentage"`
	Temperature       float64   `json:"temperature"`
	Humidity          float64   `json:"humidity"`
	LastDataRead      string    `json:"lastDataRead"`
	ReadAt            time.Time `json:"readAt"`
	ErrorCount        int       `json:"errorCount"`
}

// HasData reports whether the sensor has ever been read successfully
func (s *Snapshot) HasData() bool {
	return s.LastDataRead != "" && s.LastDataRead != NotAvailable
}

// IsValid checks that the device info is present and the values are within
// the sensor's ranges.
// MJ_HT_V1 ranges: temp -20 to 60°C, humidity 0-100%
func (s *Snapshot) IsValid() bool {
	const (
		minTemp     = -20.0
		maxTemp     = 60.0
		minHumidity = 0.0
		maxHumidity = 100.0
	)

	if s.Address == "" || !s.HasData() {
		return false
	}

	// Telemetry can succeed while the device info read failed
	if s.Name == "" || s.FirmwareVersion == "" {
		return false
	}

	if s.Temperature < minTemp || s.Temperature > maxTemp {
		return false
	}

	if s.Humidity < minHumidity || s.Humidity > maxHumidity {
		return false
	}

	if s.BatteryPercentage < 0 || s.BatteryPercentage > 100 {
		return false
	}

	return true
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("%s (%s): Temperature: %.1f°C, Humidity: %.1f%%, Battery: %d%%, Last read: %s",
		s.Address,
		s.Name,
		s.Temperature,
		s.Humidity,
		s.BatteryPercentage,
		s.LastDataRead)
}

// Copy returns a copy of the Snapshot
func (s *Snapshot) Copy() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
