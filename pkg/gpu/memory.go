package gpu

import (
	"strings"

	"github.com/hivemind-dev/hivemind/pkg/models"
)

// DefaultModelMemoryMB is assumed for models missing from the table.
const DefaultModelMemoryMB = 6144

// modelMemoryMB maps model family prefixes to a recommended GPU
// memory hint. Quantized 4-bit weights plus context overhead.
var modelMemoryMB = []struct {
	prefix string
	mb     int
}{
	{"llama3.1:405b", 230000},
	{"llama3.1:70b", 43000},
	{"llama3.1:8b", 6144},
	{"llama3:70b", 43000},
	{"llama3:8b", 6144},
	{"llama2:13b", 9216},
	{"llama2:7b", 5120},
	{"codellama:34b", 21504},
	{"codellama:13b", 9216},
	{"codellama:7b", 5120},
	{"mistral:7b", 5120},
	{"mixtral:8x7b", 28672},
	{"qwen2.5:72b", 44032},
	{"qwen2.5:7b", 5632},
	{"gemma2:27b", 17408},
	{"gemma2:9b", 6656},
	{"phi3:14b", 9728},
	{"phi3:3.8b", 3072},
}

// ModelMemoryMB returns the recommended GPU memory for a model name.
// Longest matching prefix wins; unknown models get the default.
func ModelMemoryMB(model string) int {
	lower := strings.ToLower(model)
	for _, e := range modelMemoryMB {
		if strings.HasPrefix(lower, e.prefix) {
			return e.mb
		}
	}
	return DefaultModelMemoryMB
}

// MaxWorkersFor derives the theoretical fleet ceiling from free GPU
// memory: floor((free - buffer) * (1 - margin) / per-worker demand).
// An unavailable reading yields zero.
func MaxWorkersFor(reading models.GPUReading, model string, bufferMB int, safetyMargin float64) int {
	if !reading.Available {
		return 0
	}
	usable := float64(reading.FreeMB-bufferMB) * (1 - safetyMargin)
	if usable <= 0 {
		return 0
	}
	return int(usable) / ModelMemoryMB(model)
}
