// Package store persists simulation output using JSON files.
//
// Flow records append to a JSON-lines file (flows.jsonl) as the simulation
// runs; summary files (bills.json, audit.json) are written with atomic file
// replacement (write to .tmp, then rename) so a crash mid-save never leaves
// a partial file behind.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"

	"microgrid-sim/pkg/types"
)

// Recorder writes simulation output to a designated directory.
// All operations are mutex-protected to prevent interleaved writes.
type Recorder struct {
	dir   string
	mu    sync.Mutex
	flows *os.File
	buf   *bufio.Writer
}

// Open creates a recorder backed by the given directory. The flow log is
// truncated on open: each run produces a fresh log.
func Open(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "flows.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("create flow log: %w", err)
	}
	return &Recorder{dir: dir, flows: f, buf: bufio.NewWriter(f)}, nil
}

// Record appends one flow record to the log. Implements the distribution
// layer's flow sink; errors are swallowed because the sink must not block
// or fail the slot (the final Close flushes and reports).
func (r *Recorder) Record(rec types.FlowRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	r.buf.Write(data)
	r.buf.WriteByte('\n')
}

// SaveBills atomically persists the per-consumer external grid bills.
func (r *Recorder) SaveBills(bills map[string]decimal.Decimal) error {
	out := make(map[string]string, len(bills))
	for id, amount := range bills {
		out[id] = amount.String()
	}
	return r.saveJSON("bills.json", out)
}

// SaveSummary atomically persists an arbitrary run summary (audit totals,
// per-mode volumes) under the given file name.
func (r *Recorder) SaveSummary(name string, v any) error {
	return r.saveJSON(name, v)
}

func (r *Recorder) saveJSON(name string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(r.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// Close flushes and closes the flow log.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.buf.Flush(); err != nil {
		r.flows.Close()
		return fmt.Errorf("flush flow log: %w", err)
	}
	return r.flows.Close()
}
