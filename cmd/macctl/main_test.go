package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microalign/go-mac/device"
	"github.com/microalign/go-mac/transport"
)

const testIdentity = "MicroAlign BV., Model MAC-8\n"

// testBus simulates a host with one controller answering with r, next to an
// unrelated device that discovery has to skip. Every open yields a fresh
// port since each invocation closes the one it used.
func testBus(t *testing.T, r transport.Responder) []device.Option {
	t.Helper()

	other := transport.Script(map[string][]string{"*IDN?": {"modem\n"}})
	responders := map[string]transport.Responder{
		t.Name() + "/ttyS0":   other,
		t.Name() + "/ttyUSB0": r,
	}
	names := []string{t.Name() + "/ttyS0", t.Name() + "/ttyUSB0"}

	return []device.Option{
		device.WithLister(func() ([]string, error) { return names, nil }),
		device.WithOpener(func(name string, _ *transport.Mode) (transport.Port, error) {
			r, ok := responders[name]
			if !ok {
				return nil, transport.ErrNotFound
			}
			return transport.NewMockPort(r), nil
		}),
		device.WithIdentifyTimeout(50 * time.Millisecond),
		device.WithCommandTimeout(200 * time.Millisecond),
	}
}

func script(table map[string][]string) transport.Responder {
	table["*IDN?"] = []string{testIdentity}
	return transport.Script(table)
}

func runCLI(t *testing.T, opts []device.Option, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append([]string{"-log-level", "error"}, args...), &stdout, &stderr, opts...)

	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	_, err := runCLI(t, nil)
	require.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, nil, "calibrate")
	require.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, nil, "bias", "1", "2")
	require.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, nil, "read", "one")
	require.Error(t, err)
}

func TestRun_Discover(t *testing.T) {
	opts := testBus(t, script(map[string][]string{}))

	out, err := runCLI(t, opts, "discover")
	require.NoError(t, err)
	assert.Equal(t, t.Name()+"/ttyUSB0\tMicroAlign BV., Model MAC-8\n", out)
}

func TestRun_BiasAndRead(t *testing.T) {
	opts := testBus(t, script(map[string][]string{
		"WRITE 1 4095 0": {"OK\n"},
		"READ 2 7":       {"1 3 2\n"},
	}))

	out, err := runCLI(t, opts, "bias", "1", "4095", "0")
	require.NoError(t, err)
	assert.Equal(t, "fiber 1: bias (4095, 0) position (11.00, 0.00)\n", out)

	out, err = runCLI(t, opts, "read", "2", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "fiber 2: min 1 max 3 avg 2")

	_, err = runCLI(t, opts, "bias", "1", "1", "1")
	require.ErrorIs(t, err, device.ErrProtocolRejected)
}

func TestRun_Move(t *testing.T) {
	opts := testBus(t, script(map[string][]string{"WRITE 3 2048 2048": {"OK\n"}}))

	out, err := runCLI(t, opts, "move", "3", "0", "0")
	require.NoError(t, err)
	assert.Equal(t, "fiber 3: position (0.00, 0.00)\n", out)
}

// recordingBus is testBus for a single controller, keeping every opened port.
func recordingBus(t *testing.T, r transport.Responder) ([]device.Option, func() *transport.MockPort) {
	t.Helper()

	var (
		mu    sync.Mutex
		ports []*transport.MockPort
	)
	name := t.Name() + "/ttyUSB0"

	opts := []device.Option{
		device.WithLister(func() ([]string, error) { return []string{name}, nil }),
		device.WithOpener(func(string, *transport.Mode) (transport.Port, error) {
			mu.Lock()
			defer mu.Unlock()

			p := transport.NewMockPort(r)
			ports = append(ports, p)
			return p, nil
		}),
		device.WithIdentifyTimeout(50 * time.Millisecond),
		device.WithCommandTimeout(200 * time.Millisecond),
	}
	last := func() *transport.MockPort {
		mu.Lock()
		defer mu.Unlock()

		require.NotEmpty(t, ports)
		return ports[len(ports)-1]
	}

	return opts, last
}

func TestRun_Scan(t *testing.T) {
	opts, lastPort := recordingBus(t, script(map[string][]string{
		"WRITE 1 0 2048":    {"OK\n"},
		"WRITE 1 2048 2048": {"OK\n"},
		"READ 1 5":          {"10 30 20\n"},
	}))

	out, err := runCLI(t, opts, "scan", "1", "2048")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"0", "-100.0", "10", "30", "20"}, strings.Fields(lines[1])[:5])
	assert.Equal(t, "2048", strings.Fields(lines[2])[0])

	sent := lastPort().Lines()
	assert.Equal(t, "WRITE 1 2048 2048", sent[len(sent)-1])

	_, err = runCLI(t, opts, "scan", "1", "0")
	require.Error(t, err)
}

func TestRun_Scan_RecentersOnFailure(t *testing.T) {
	opts, lastPort := recordingBus(t, script(map[string][]string{
		"WRITE 1 0 2048":    {"OK\n"},
		"WRITE 1 2048 2048": {"OK\n"},
		"READ 1 5":          {"10 30 20\n"},
	}))

	_, err := runCLI(t, opts, "scan", "1", "1000")
	require.ErrorIs(t, err, transport.ErrTimeout)

	assert.Equal(t, []string{"*IDN?", "WRITE 1 0 2048", "READ 1 5", "WRITE 1 1000 2048", "WRITE 1 2048 2048"},
		lastPort().Lines())
}

func TestRun_Watch(t *testing.T) {
	opts := testBus(t, script(map[string][]string{
		"WRITE 1 2048 2048": {"OK\n"},
		"WRITE 2 2048 2048": {"OK\n"},
		"READ 1 5":          {"3000 3500 3259\n"},
		"READ 2 5":          {"0 0 0\n"},
	}))
	opts = append(opts, device.WithFiberCount(2))

	out, err := runCLI(t, opts, "watch", "-count", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	fields := strings.Split(lines[0], "\t")
	require.Len(t, fields, 3)
	assert.Equal(t, "0.00", strings.TrimSpace(fields[1]))
	assert.Equal(t, "-35.00", strings.TrimSpace(fields[2]))
}

// alignFirmware answers a run of two fibers with increasing coupling.
func alignFirmware() transport.Responder {
	var mu sync.Mutex
	next := 0

	return func(line string) []string {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case line == "*IDN?":
			return []string{testIdentity}
		case strings.HasPrefix(line, "START"):
			return []string{"STARTING\n"}
		case line == "STOP":
			return []string{"STOPPED\n"}
		case line == "NEXT":
			next++
			if next%2 == 1 {
				return []string{"coupling:F1C" + strings.Repeat("1", (next+1)/2) + "F2C5\n"}
			}
			return []string{"bias:F1L2048R2048F2L2000R2100\n"}
		}

		return nil
	}
}

func TestRun_AlignAndRuns(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "macctl.yaml")
	cfgSrc := "device:\n  fibers: 2\nalignment:\n  steps: 3\nstore:\n  path: " + filepath.Join(dir, "runs.db") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgSrc), 0o600))

	opts := testBus(t, alignFirmware())

	out, err := runCLI(t, opts, "-config", cfgPath, "align", "-note", "bench")
	require.NoError(t, err)
	assert.Contains(t, out, "step   0:      1      5")
	assert.Contains(t, out, "step   2:    111      5")
	assert.Contains(t, out, "run saved: ")

	out, err = runCLI(t, opts, "-config", cfgPath, "runs")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "bench")

	id := strings.Fields(lines[1])[0]
	out, err = runCLI(t, opts, "-config", cfgPath, "runs", id)
	require.NoError(t, err)
	assert.Contains(t, out, "run "+id)
	assert.Contains(t, out, "note: bench")
}

func TestRun_RunsWithoutStore(t *testing.T) {
	_, err := runCLI(t, nil, "runs")
	require.Error(t, err)
}
