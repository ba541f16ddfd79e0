package models

import "time"

// GPUDevice is the per-device breakdown of a reading.
type GPUDevice struct {
	Index          int     `json:"index"`
	Name           string  `json:"name,omitempty"`
	TotalMB        int     `json:"total_mb"`
	UsedMB         int     `json:"used_mb"`
	FreeMB         int     `json:"free_mb"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// GPUReading is a vendor-neutral point-in-time GPU snapshot. When
// Available is false only Timestamp is meaningful and downstream logic
// must assume conservative behavior (no GPU-driven scale-up).
type GPUReading struct {
	Available      bool        `json:"available"`
	Vendor         string      `json:"vendor,omitempty"`
	TotalMB        int         `json:"total_mb"`
	UsedMB         int         `json:"used_mb"`
	FreeMB         int         `json:"free_mb"`
	UtilizationPct float64     `json:"utilization_pct"`
	DeviceCount    int         `json:"device_count"`
	Devices        []GPUDevice `json:"devices,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Age returns how stale the reading is at now.
func (r GPUReading) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}
