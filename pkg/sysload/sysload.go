// Package sysload implements the resource gates that throttle the worker fleet.
//
// The dispatcher refuses to claim work when the host or the database is
// under pressure. Four gates exist: system load average, free memory,
// database connection level and database process count. Each gate fails open
// when its signal cannot be read, a worker that cannot see the load must not
// stall the queue.
package sysload

import (
	"context"
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Options configure the resource gates.
type Options struct {
	MaxSysLoad          float64 // load average above which no work is claimed
	MinMemoryMB         uint64  // free memory floor, zero disables the gate
	MaxConnectionsLevel uint    // percent of max_connections considered full
	MaxDBProcesses      uint    // DB process ceiling, zero disables the gate
}

// DefaultOptions for the resource gates.
var DefaultOptions = Options{
	MaxSysLoad:          50,
	MinMemoryMB:         0,
	MaxConnectionsLevel: 75,
	MaxDBProcesses:      0,
}

// Monitor samples host and database pressure.
type Monitor struct {
	DB      *sqlx.DB
	Log     *zap.Logger
	Options *Options

	// LoadFunc overrides the load average source, for tests.
	LoadFunc func() (float64, bool)
	// MemFunc overrides the free memory source, for tests.
	MemFunc func() (uint64, bool)
}

// NewMonitor creates a resource monitor.
func NewMonitor(db *sqlx.DB, log *zap.Logger, opts *Options) *Monitor {
	return &Monitor{DB: db, Log: log, Options: opts}
}

// LoadCeiling returns the load average above which no work is claimed.
func (m *Monitor) LoadCeiling() float64 {
	return m.Options.MaxSysLoad
}

// CurrentLoad returns the one-minute load average.
// The second return is false when the load cannot be read.
func (m *Monitor) CurrentLoad() (float64, bool) {
	if m.LoadFunc != nil {
		return m.LoadFunc()
	}
	return readLoadAvg("/proc/loadavg")
}

func readLoadAvg(path string) (float64, bool) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(buf))
	if len(fields) < 1 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load, true
}

// LoadOK returns whether the load gate permits claiming work.
func (m *Monitor) LoadOK() bool {
	if m.Options.MaxSysLoad <= 0 {
		return true
	}
	load, ok := m.CurrentLoad()
	if !ok {
		return true
	}
	if load >= m.Options.MaxSysLoad {
		m.Log.Info("Load gate closed",
			zap.Float64("sysload.load", load),
			zap.Float64("sysload.max", m.Options.MaxSysLoad))
		return false
	}
	return true
}

// MemoryOK returns whether enough memory is free to claim work.
func (m *Monitor) MemoryOK() bool {
	if m.Options.MinMemoryMB == 0 {
		return true
	}
	free, ok := m.freeMemoryMB()
	if !ok {
		return true
	}
	if free < m.Options.MinMemoryMB {
		m.Log.Info("Memory gate closed",
			zap.Uint64("sysload.free_mb", free),
			zap.Uint64("sysload.min_mb", m.Options.MinMemoryMB))
		return false
	}
	return true
}

func (m *Monitor) freeMemoryMB() (uint64, bool) {
	if m.MemFunc != nil {
		return m.MemFunc()
	}
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	return free / (1024 * 1024), true
}

// ConnectionsOK returns whether the database connection level permits more work.
func (m *Monitor) ConnectionsOK(ctx context.Context) bool {
	level := m.Options.MaxConnectionsLevel
	if level == 0 {
		return true
	}
	max, err := m.showValue(ctx, `SHOW VARIABLES LIKE 'max_connections';`)
	if err != nil || max == 0 {
		return true
	}
	used, err := m.showValue(ctx, `SHOW STATUS LIKE 'Threads_connected';`)
	if err != nil {
		return true
	}
	if used*100/max >= uint64(level) {
		m.Log.Info("Connection gate closed",
			zap.Uint64("sysload.connections", used),
			zap.Uint64("sysload.max_connections", max))
		return false
	}
	return true
}

// DBProcessesOK returns whether the database process count permits more work.
func (m *Monitor) DBProcessesOK(ctx context.Context) bool {
	if m.Options.MaxDBProcesses == 0 {
		return true
	}
	var count uint64
	// language=MariaDB
	const stmt = `SELECT COUNT(*) FROM information_schema.PROCESSLIST;`
	if err := m.DB.GetContext(ctx, &count, stmt); err != nil {
		return true
	}
	if count >= uint64(m.Options.MaxDBProcesses) {
		m.Log.Info("DB process gate closed",
			zap.Uint64("sysload.db_processes", count),
			zap.Uint("sysload.max_db_processes", m.Options.MaxDBProcesses))
		return false
	}
	return true
}

// showValue reads the numeric value of a single-row SHOW statement.
func (m *Monitor) showValue(ctx context.Context, stmt string) (uint64, error) {
	var row struct {
		Name  string `db:"Variable_name"`
		Value uint64 `db:"Value"`
	}
	if err := m.DB.QueryRowxContext(ctx, stmt).StructScan(&row); err != nil {
		return 0, fmt.Errorf("failed to read server variable: %w", err)
	}
	return row.Value, nil
}
