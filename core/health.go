package core

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	HealthOK       = "ok"
	HealthWarning  = "warning"
	HealthError    = "error"
	HealthDegraded = "degraded"
)

// HealthCheck is the result of one readiness probe.
type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
}

// Probe checks one dependency. A failing non-critical probe only warns.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) (string, error)
}

// HealthReport aggregates probe results; Status is ok, degraded or error.
type HealthReport struct {
	Status string        `json:"status"`
	Checks []HealthCheck `json:"checks"`
}

// RunProbes runs every probe concurrently, each bounded by timeout.
func RunProbes(ctx context.Context, probes []Probe, timeout time.Duration) HealthReport {
	checks := make([]HealthCheck, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			msg, err := p.Check(pctx)
			check := HealthCheck{Name: p.Name, Status: HealthOK, Message: msg, Latency: time.Since(start).Milliseconds()}
			if err != nil {
				check.Status = HealthWarning
				if p.Critical {
					check.Status = HealthError
				}
				check.Message = err.Error()
			}
			checks[i] = check
		}()
	}
	wg.Wait()

	report := HealthReport{Status: HealthOK, Checks: checks}
	for _, c := range checks {
		switch c.Status {
		case HealthError:
			report.Status = HealthError
		case HealthWarning:
			if report.Status == HealthOK {
				report.Status = HealthDegraded
			}
		}
	}
	return report
}

// CommandProbe runs bin with args and reports the first output line, e.g.
// "ffmpeg -version".
func CommandProbe(name string, critical bool, bin string, args ...string) Probe {
	return Probe{
		Name:     name,
		Critical: critical,
		Check: func(ctx context.Context) (string, error) {
			out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
			if err != nil {
				return "", fmt.Errorf("%s not available: %w", bin, err)
			}
			line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
			return line, nil
		},
	}
}

// WritableDirProbe verifies dir exists and accepts new files.
func WritableDirProbe(name, dir string) Probe {
	if dir == "" {
		dir = os.TempDir()
	}
	return Probe{
		Name:     name,
		Critical: true,
		Check: func(context.Context) (string, error) {
			f, err := os.CreateTemp(dir, ".probe-*")
			if err != nil {
				return "", fmt.Errorf("%s is not writable: %w", dir, err)
			}
			f.Close()
			os.Remove(f.Name())
			abs, _ := filepath.Abs(dir)
			return abs, nil
		},
	}
}

// PingProbe adapts a Ping-style check.
func PingProbe(name string, ping func(ctx context.Context) error) Probe {
	return Probe{
		Name:     name,
		Critical: true,
		Check: func(ctx context.Context) (string, error) {
			if err := ping(ctx); err != nil {
				return "", err
			}
			return "reachable", nil
		},
	}
}
