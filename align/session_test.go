package align

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microalign/go-mac/coords"
	"github.com/microalign/go-mac/device"
	"github.com/microalign/go-mac/frame"
	"github.com/microalign/go-mac/transport"
)

var defaultStart = frame.StartConfig{Samples: 5, MinStepBits: 5}

func TestSession_Step_IndexesByFiberNumber(t *testing.T) {
	fw := &firmware{
		startReply: "STARTING\n",
		stopReply:  "STOPPED\n",
		frames:     []string{"coupling:F2C23F1C10\n", "bias:F2L31R1375F1L255R1599\n"},
	}
	dev, port := newTestDevice(t, fw, 2)
	run := newTestRun(t, dev)
	ctx := context.Background()

	require.NoError(t, run.Start(ctx, defaultStart))
	assert.Equal(t, RunningState, run.State())
	assert.True(t, dev.Leased())

	res, err := run.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Step)
	if diff := cmp.Diff([]int{10, 23}, res.Coupling); diff != "" {
		t.Errorf("coupling mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{255, 31}, res.Left); diff != "" {
		t.Errorf("left mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1599, 1375}, res.Right); diff != "" {
		t.Errorf("right mismatch (-want +got):\n%s", diff)
	}

	want := coords.Micrometers.BiasToPosition(255, 1599)
	assert.InDelta(t, coords.Round2(want.X), res.Positions[0].X, 1e-9)
	assert.InDelta(t, coords.Round2(want.Y), res.Positions[0].Y, 1e-9)

	require.NoError(t, run.Stop(ctx))
	assert.Equal(t, StoppedState, run.State())
	assert.False(t, dev.Leased())
	assert.True(t, run.Table().Frozen())
	assert.Equal(t, 1, run.Table().Len())

	assert.Equal(t, []string{"*IDN?", "START 5 5", "NEXT", "NEXT", "STOP"}, port.Lines())
}

func TestSession_Step_DesyncFaultsRun(t *testing.T) {
	frames := twoFiberSteps(1)
	frames = append(frames, "coupling:F2C23F2C10\n", "bias:F2L31R1375F1L255R1599\n")
	fw := &firmware{startReply: "STARTING\n", stopReply: "OK\n", frames: frames}
	dev, port := newTestDevice(t, fw, 2)
	run := newTestRun(t, dev)
	ctx := context.Background()

	require.NoError(t, run.Start(ctx, defaultStart))
	_, err := run.Step(ctx)
	require.NoError(t, err)

	_, err = run.Step(ctx)
	require.ErrorIs(t, err, frame.ErrProtocolDesync)
	assert.Equal(t, FaultedState, run.State())
	assert.Equal(t, 1, run.Table().Len())
	assert.Equal(t, []int{10}, run.Table().Coupling(1))
	assert.Equal(t, uint64(1), dev.Metrics().ParseErrCount.Load())

	_, err = run.Step(ctx)
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, run.Stop(ctx))
	assert.Equal(t, StoppedState, run.State())
	assert.False(t, dev.Leased())

	assert.Equal(t, []string{"*IDN?", "START 5 5", "NEXT", "NEXT", "NEXT", "NEXT", "STOP"}, port.Lines())
}

func TestSession_Step_MissingPrefixFaultsRun(t *testing.T) {
	frames := twoFiberSteps(1)
	frames = append(frames, "F1C10F2C23\n", "bias:F1L255R1599F2L31R1375\n")
	fw := &firmware{startReply: "STARTING\n", stopReply: "STOPPED\n", frames: frames}
	dev, port := newTestDevice(t, fw, 2)
	run := newTestRun(t, dev)
	ctx := context.Background()

	require.NoError(t, run.Start(ctx, defaultStart))
	_, err := run.Step(ctx)
	require.NoError(t, err)

	_, err = run.Step(ctx)
	require.ErrorIs(t, err, frame.ErrProtocolDesync)
	assert.Equal(t, FaultedState, run.State())
	assert.Equal(t, 1, run.Table().Len())
	assert.Equal(t, []int{10}, run.Table().Coupling(1))
	assert.Equal(t, []int{11}, run.Table().Coupling(2))
	assert.Equal(t, []int{2000}, run.Table().Left(1))

	require.NoError(t, run.Close(ctx))
	assert.Equal(t, StoppedState, run.State())
	assert.Equal(t, []string{"*IDN?", "START 5 5", "NEXT", "NEXT", "NEXT", "NEXT", "STOP"}, port.Lines())
}

func TestSession_Step_Timeout(t *testing.T) {
	fw := &firmware{startReply: "STARTING\n", stopReply: "STOPPED\n", frames: []string{"coupling:F1C1F2C2\n"}}
	dev, port := newTestDevice(t, fw, 2)
	run := newTestRun(t, dev)
	ctx := context.Background()

	require.NoError(t, run.Start(ctx, defaultStart))

	_, err := run.Step(ctx)
	require.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, FaultedState, run.State())
	assert.Equal(t, 0, run.Table().Len())

	require.NoError(t, run.Close(ctx))
	assert.Equal(t, StoppedState, run.State())
	assert.Equal(t, []string{"*IDN?", "START 5 5", "NEXT", "NEXT", "STOP"}, port.Lines())
}

func TestSession_Start_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		isErr error
	}{
		{name: "error text", reply: "ERROR: min step\n", isErr: ErrRejected},
		{name: "partial", reply: "STARTING \n", isErr: ErrRejected},
		{name: "silent", reply: "", isErr: transport.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fw := &firmware{startReply: tt.reply}
			dev, _ := newTestDevice(t, fw, 2)
			run := newTestRun(t, dev)

			err := run.Start(context.Background(), frame.StartConfig{Samples: 5, MinStepBits: 10, InitialStepBits: frame.Int(12)})
			require.ErrorIs(t, err, ErrRejected)
			require.ErrorIs(t, err, tt.isErr)
			assert.Equal(t, IdleState, run.State())
			assert.False(t, dev.Leased())
			assert.Nil(t, run.Table())
		})
	}
}

func TestSession_Start_Placeholder(t *testing.T) {
	fw := &firmware{startReply: "STARTING\n", stopReply: "STOPPED\n"}
	dev, port := newTestDevice(t, fw, 2)
	run := newTestRun(t, dev)

	require.NoError(t, run.Start(context.Background(), frame.StartConfig{Samples: 5, MinStepBits: 5, InitialStepBits: frame.Int(9)}))
	require.NoError(t, run.Stop(context.Background()))

	assert.Equal(t, "START 5 5 0 9", port.Lines()[1])
}

func TestSession_Start_Preconditions(t *testing.T) {
	fw := &firmware{startReply: "STARTING\n", stopReply: "STOPPED\n"}
	dev, port := newTestDevice(t, fw, 2)
	ctx := context.Background()

	run := newTestRun(t, dev)
	require.ErrorIs(t, run.Start(ctx, frame.StartConfig{Samples: 0, MinStepBits: 5}), ErrInvalidConfig)

	lease, err := dev.Lease()
	require.NoError(t, err)
	require.ErrorIs(t, run.Start(ctx, defaultStart), device.ErrSessionLeased)
	lease.Release()

	require.NoError(t, run.Start(ctx, defaultStart))
	require.ErrorIs(t, run.Start(ctx, defaultStart), ErrInvalidState)
	require.NoError(t, run.Stop(ctx))
	require.ErrorIs(t, run.Start(ctx, defaultStart), ErrInvalidState)

	assert.Equal(t, []string{"*IDN?", "START 5 5", "STOP"}, port.Lines())
}

func TestSession_InvalidState(t *testing.T) {
	fw := &firmware{}
	dev, _ := newTestDevice(t, fw, 2)
	run := newTestRun(t, dev)
	ctx := context.Background()

	_, err := run.Step(ctx)
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, run.Stop(ctx), ErrInvalidState)
	require.NoError(t, run.Close(ctx))
}

func TestSession_Step_TableFull(t *testing.T) {
	fw := &firmware{startReply: "STARTING\n", stopReply: "STOPPED\n", frames: twoFiberSteps(2)}
	dev, port := newTestDevice(t, fw, 2)
	run := newTestRun(t, dev, WithStepCapacity(1))
	ctx := context.Background()

	require.NoError(t, run.Start(ctx, defaultStart))
	_, err := run.Step(ctx)
	require.NoError(t, err)

	_, err = run.Step(ctx)
	require.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, RunningState, run.State())
	assert.Equal(t, []string{"*IDN?", "START 5 5", "NEXT", "NEXT"}, port.Lines())
}

func TestSession_Stop_Rejected(t *testing.T) {
	fw := &firmware{startReply: "STARTING\n", stopReply: "BUSY\n"}
	dev, _ := newTestDevice(t, fw, 2)
	run := newTestRun(t, dev)
	ctx := context.Background()

	require.NoError(t, run.Start(ctx, defaultStart))

	err := run.Stop(ctx)
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, RunningState, run.State())
	assert.True(t, dev.Leased())

	err = run.Close(ctx)
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StoppedState, run.State())
	assert.False(t, dev.Leased())
}

func TestSession_Run(t *testing.T) {
	fw := &firmware{startReply: "STARTING\n", stopReply: "STOPPED\n", frames: twoFiberSteps(3)}
	dev, port := newTestDevice(t, fw, 2)
	run := newTestRun(t, dev, WithStepCapacity(3))

	var steps []int
	table, err := run.Run(context.Background(), defaultStart, func(res StepResult) error {
		steps = append(steps, res.Step)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, steps)
	assert.Equal(t, 3, table.Len())
	assert.Equal(t, []int{10, 20, 30}, table.Coupling(1))
	assert.Equal(t, []int{11, 21, 31}, table.Coupling(2))
	assert.Equal(t, []int{2000, 2001, 2002}, table.Left(1))
	assert.Equal(t, StoppedState, run.State())
	assert.False(t, dev.Leased())

	lines := port.Lines()
	assert.Equal(t, "STOP", lines[len(lines)-1])
	assert.Len(t, lines, 2+3*2+1)
}

func TestSession_Run_HandlerError(t *testing.T) {
	fw := &firmware{startReply: "STARTING\n", stopReply: "STOPPED\n", frames: twoFiberSteps(5)}
	dev, port := newTestDevice(t, fw, 2)
	run := newTestRun(t, dev)

	errEnough := errors.New("enough")
	table, err := run.Run(context.Background(), defaultStart, func(res StepResult) error {
		if res.Step == 1 {
			return errEnough
		}
		return nil
	})
	require.ErrorIs(t, err, errEnough)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, StoppedState, run.State())

	lines := port.Lines()
	assert.Equal(t, "STOP", lines[len(lines)-1])
}

func TestSession_Run_StepFailureStillStops(t *testing.T) {
	fw := &firmware{startReply: "STARTING\n", stopReply: "STOPPED\n", frames: []string{"coupling:F1C1\n", "bias:F1L1R1\n"}}
	dev, port := newTestDevice(t, fw, 2)
	run := newTestRun(t, dev)

	table, err := run.Run(context.Background(), defaultStart, nil)
	require.ErrorIs(t, err, frame.ErrProtocolDesync)
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, StoppedState, run.State())
	assert.False(t, dev.Leased())

	lines := port.Lines()
	assert.Equal(t, "STOP", lines[len(lines)-1])
}

func TestNew_InvalidOptions(t *testing.T) {
	fw := &firmware{}
	dev, _ := newTestDevice(t, fw, 1)

	_, err := New(nil)
	require.Error(t, err)
	_, err = New(dev, WithStepCapacity(0))
	require.Error(t, err)
	_, err = New(dev, WithStepTimeout(0))
	require.Error(t, err)
	_, err = New(dev, WithCalibration(coords.Calibration{}))
	require.ErrorIs(t, err, coords.ErrInvalidCalibration)
	_, err = New(dev, WithLogger(nil))
	require.Error(t, err)
}
