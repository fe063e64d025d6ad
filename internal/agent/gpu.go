package agent

import (
	"context"
	"encoding/csv"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/vesaa/talonpulse/internal/models"
)

const nvidiaQuery = "--query-gpu=name,utilization.gpu,memory.used,memory.total,temperature.gpu"

// NvidiaGPUs reads GPU stats through nvidia-smi. Hosts without the tool
// report no GPUs.
func NvidiaGPUs(ctx context.Context) []models.GPU {
	bin, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, bin, nvidiaQuery, "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}
	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI parses csv,noheader,nounits output. Memory is reported in
// MiB and converted to bytes. Unparsable rows are skipped.
func parseNvidiaSMI(out string) []models.GPU {
	r := csv.NewReader(strings.NewReader(out))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil
	}
	var gpus []models.GPU
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		load, err1 := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		used, err2 := strconv.ParseUint(strings.TrimSpace(row[2]), 10, 64)
		total, err3 := strconv.ParseUint(strings.TrimSpace(row[3]), 10, 64)
		temp, err4 := strconv.ParseFloat(strings.TrimSpace(row[4]), 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		gpus = append(gpus, models.GPU{
			Name:         strings.TrimSpace(row[0]),
			Vendor:       "NVIDIA",
			Load:         load,
			MemoryUsed:   used << 20,
			MemoryTotal:  total << 20,
			TemperatureC: temp,
		})
	}
	return gpus
}
