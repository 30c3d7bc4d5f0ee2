package models

import "time"

// Device represents a peer currently believed reachable on the LAN.
type Device struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Email      string    `json:"email"`
	IP         string    `json:"ip"`
	LastSeen   time.Time `json:"last_seen"`
}
