package gpu

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hivemind-dev/hivemind/pkg/models"
)

// probeNvidia parses nvidia-smi CSV output, one line per device:
// "total, used, free, utilization" in MiB and percent.
func probeNvidia(ctx context.Context, runner commandRunner) (models.GPUReading, error) {
	out, err := runner(ctx, "nvidia-smi",
		"--query-gpu=memory.total,memory.used,memory.free,utilization.gpu",
		"--format=csv,noheader,nounits")
	if err != nil {
		return models.GPUReading{}, fmt.Errorf("nvidia-smi: %w", err)
	}

	var reading models.GPUReading
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return models.GPUReading{}, fmt.Errorf("nvidia-smi: malformed line %q", line)
		}
		vals := make([]int, 4)
		for i, f := range fields {
			v, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return models.GPUReading{}, fmt.Errorf("nvidia-smi: field %q: %w", f, err)
			}
			vals[i] = v
		}
		dev := models.GPUDevice{
			Index:          reading.DeviceCount,
			TotalMB:        vals[0],
			UsedMB:         vals[1],
			FreeMB:         vals[2],
			UtilizationPct: float64(vals[3]),
		}
		reading.Devices = append(reading.Devices, dev)
		reading.DeviceCount++
		reading.TotalMB += dev.TotalMB
		reading.UsedMB += dev.UsedMB
		reading.FreeMB += dev.FreeMB
		reading.UtilizationPct += dev.UtilizationPct
	}
	if reading.DeviceCount == 0 {
		return models.GPUReading{}, fmt.Errorf("nvidia-smi: no devices")
	}
	reading.UtilizationPct /= float64(reading.DeviceCount)
	return reading, nil
}

// probeAMD parses rocm-smi JSON: one object per card with VRAM totals
// in bytes. Utilization comes from "GPU use (%)" when present.
func probeAMD(ctx context.Context, runner commandRunner) (models.GPUReading, error) {
	out, err := runner(ctx, "rocm-smi", "--showmeminfo", "vram", "--showuse", "--json")
	if err != nil {
		return models.GPUReading{}, fmt.Errorf("rocm-smi: %w", err)
	}

	var cards map[string]map[string]string
	if err := json.Unmarshal(out, &cards); err != nil {
		return models.GPUReading{}, fmt.Errorf("rocm-smi: %w", err)
	}

	var reading models.GPUReading
	for name, fields := range cards {
		if !strings.HasPrefix(name, "card") {
			continue
		}
		totalB, err1 := strconv.ParseInt(fields["VRAM Total Memory (B)"], 10, 64)
		usedB, err2 := strconv.ParseInt(fields["VRAM Total Used Memory (B)"], 10, 64)
		if err1 != nil || err2 != nil {
			return models.GPUReading{}, fmt.Errorf("rocm-smi: malformed memory fields for %s", name)
		}
		util := 0.0
		if u, err := strconv.ParseFloat(fields["GPU use (%)"], 64); err == nil {
			util = u
		}
		dev := models.GPUDevice{
			Index:          reading.DeviceCount,
			Name:           name,
			TotalMB:        int(totalB / (1024 * 1024)),
			UsedMB:         int(usedB / (1024 * 1024)),
			UtilizationPct: util,
		}
		dev.FreeMB = dev.TotalMB - dev.UsedMB
		reading.Devices = append(reading.Devices, dev)
		reading.DeviceCount++
		reading.TotalMB += dev.TotalMB
		reading.UsedMB += dev.UsedMB
		reading.FreeMB += dev.FreeMB
		reading.UtilizationPct += dev.UtilizationPct
	}
	if reading.DeviceCount == 0 {
		return models.GPUReading{}, fmt.Errorf("rocm-smi: no devices")
	}
	reading.UtilizationPct /= float64(reading.DeviceCount)
	return reading, nil
}

// probeIntel parses xpu-smi discovery JSON: a device list with
// physical memory sizes. xpu-smi reports no free/used split here, so
// used is reported as zero and utilization as unknown.
func probeIntel(ctx context.Context, runner commandRunner) (models.GPUReading, error) {
	out, err := runner(ctx, "xpu-smi", "discovery", "-j")
	if err != nil {
		return models.GPUReading{}, fmt.Errorf("xpu-smi: %w", err)
	}

	var discovery struct {
		DeviceList []struct {
			DeviceID    int    `json:"device_id"`
			DeviceName  string `json:"device_name"`
			MemoryBytes int    `json:"memory_physical_size_byte,string"`
		} `json:"device_list"`
	}
	if err := json.Unmarshal(out, &discovery); err != nil {
		return models.GPUReading{}, fmt.Errorf("xpu-smi: %w", err)
	}
	if len(discovery.DeviceList) == 0 {
		return models.GPUReading{}, fmt.Errorf("xpu-smi: no devices")
	}

	var reading models.GPUReading
	for _, d := range discovery.DeviceList {
		dev := models.GPUDevice{
			Index:   d.DeviceID,
			Name:    d.DeviceName,
			TotalMB: d.MemoryBytes / (1024 * 1024),
		}
		dev.FreeMB = dev.TotalMB
		reading.Devices = append(reading.Devices, dev)
		reading.DeviceCount++
		reading.TotalMB += dev.TotalMB
		reading.FreeMB += dev.FreeMB
	}
	return reading, nil
}
