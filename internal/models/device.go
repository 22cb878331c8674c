package models

import "time"

// DeviceRecord is the registry entry for a sensor seen by the daemon
type DeviceRecord struct {
	Address         string    `json:"address"`
	Interface       int       `json:"interface"`
	Name            string    `json:"name"`
	FirmwareVersion string    `json:"firmware_version"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	ErrorCount      int       `json:"error_count"`
}

// NewDeviceRecord builds a registry entry from a snapshot taken at seenAt
func NewDeviceRecord(snap *Snapshot, iface int, seenAt time.Time) *DeviceRecord {
	return &DeviceRecord{
		Address:         snap.Address,
		Interface:       iface,
		Name:            snap.Name,
		FirmwareVersion: snap.FirmwareVersion,
		FirstSeen:       seenAt,
		LastSeen:        seenAt,
		ErrorCount:      snap.ErrorCount,
	}
}

// SinceSeen returns how long ago the device last answered
func (d *DeviceRecord) SinceSeen() time.Duration {
	return time.Since(d.LastSeen)
}
