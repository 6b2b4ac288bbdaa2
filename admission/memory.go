package admission

import (
	"errors"
	"runtime"

	"github.com/prometheus/procfs"
)

const mb = 1024 * 1024

// MemoryProbe reports the process memory footprint in MB.
type MemoryProbe interface {
	UsageMB() float64
}

// ProbeFunc adapts a plain function to MemoryProbe.
type ProbeFunc func() float64

func (f ProbeFunc) UsageMB() float64 { return f() }

// ProcessMemory reads the resident set size from /proc and falls back to the
// Go runtime's view where /proc is unavailable.
type ProcessMemory struct {
	fs  procfs.FS
	err error
}

func NewProcessMemory() *ProcessMemory {
	fs, err := procfs.NewDefaultFS()
	return &ProcessMemory{fs: fs, err: err}
}

func (p *ProcessMemory) UsageMB() float64 {
	return float64(p.Bytes()) / mb
}

// Bytes returns resident memory, or the memory obtained from the OS by the
// Go runtime when procfs cannot be read.
func (p *ProcessMemory) Bytes() uint64 {
	if p.err == nil {
		if proc, err := p.fs.Self(); err == nil {
			if stat, err := proc.Stat(); err == nil {
				return uint64(stat.ResidentMemory())
			}
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// TotalMemoryGB reads MemTotal from /proc/meminfo.
func TotalMemoryGB() (float64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, err
	}
	info, err := fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if info.MemTotal == nil {
		return 0, errors.New("MemTotal missing from meminfo")
	}
	// meminfo reports kB
	return float64(*info.MemTotal) * 1024 / (1 << 30), nil
}
