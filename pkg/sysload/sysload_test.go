package sysload

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadGate(t *testing.T) {
	opts := DefaultOptions
	opts.MaxSysLoad = 10
	mon := NewMonitor(nil, zaptest.NewLogger(t), &opts)
	mon.LoadFunc = func() (float64, bool) { return 3.5, true }
	assert.True(t, mon.LoadOK())
	mon.LoadFunc = func() (float64, bool) { return 10, true }
	assert.False(t, mon.LoadOK(), "load at the ceiling must close the gate")
	mon.LoadFunc = func() (float64, bool) { return 25, true }
	assert.False(t, mon.LoadOK())
	// Unreadable load fails open
	mon.LoadFunc = func() (float64, bool) { return 0, false }
	assert.True(t, mon.LoadOK())
	// Disabled gate
	opts.MaxSysLoad = 0
	mon.LoadFunc = func() (float64, bool) { return 99, true }
	assert.True(t, mon.LoadOK())
}

func TestMemoryGate(t *testing.T) {
	opts := DefaultOptions
	opts.MinMemoryMB = 512
	mon := NewMonitor(nil, zaptest.NewLogger(t), &opts)
	mon.MemFunc = func() (uint64, bool) { return 1024, true }
	assert.True(t, mon.MemoryOK())
	mon.MemFunc = func() (uint64, bool) { return 128, true }
	assert.False(t, mon.MemoryOK())
	mon.MemFunc = func() (uint64, bool) { return 0, false }
	assert.True(t, mon.MemoryOK(), "unreadable memory fails open")
	opts.MinMemoryMB = 0
	mon.MemFunc = func() (uint64, bool) { return 1, true }
	assert.True(t, mon.MemoryOK())
}

func TestReadLoadAvg(t *testing.T) {
	dir, err := ioutil.TempDir("", "sysload-")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "loadavg")
	require.NoError(t, ioutil.WriteFile(path, []byte("1.42 0.80 0.51 2/1024 12345\n"), 0600))
	load, ok := readLoadAvg(path)
	require.True(t, ok)
	assert.Equal(t, 1.42, load)
	_, ok = readLoadAvg(filepath.Join(dir, "missing"))
	assert.False(t, ok)
}

func TestUnixProberSelf(t *testing.T) {
	var prober UnixProber
	assert.True(t, prober.Alive(os.Getpid()))
}
