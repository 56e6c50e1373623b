package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/microalign/go-mac/align"
	"github.com/microalign/go-mac/coords"
	"github.com/microalign/go-mac/device"
	"github.com/microalign/go-mac/frame"
	"github.com/microalign/go-mac/internal/config"
	"github.com/microalign/go-mac/logger"
	"github.com/microalign/go-mac/mac"
	"github.com/microalign/go-mac/runstore"
)

const (
	defaultScanStep = 20
	centerBias      = 2048
)

type app struct {
	cfg     *config.Config
	out     io.Writer
	logger  logger.Logger
	devOpts []device.Option
}

// connect binds the configured port, or discovers the controller when none is set.
func (a *app) connect(ctx context.Context) (*device.Session, error) {
	if a.cfg.Device.Port != "" {
		return device.Connect(ctx, a.cfg.Device.Port, a.devOpts...)
	}

	return device.Discover(ctx, a.devOpts...)
}

func (a *app) discover(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}

	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Fprintf(a.out, "%s\t%s\n", sess.Port(), sess.Identity())

	return nil
}

func (a *app) bias(ctx context.Context, args []string) error {
	vals, err := atoiArgs(args, 3, 3)
	if err != nil {
		return err
	}

	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.SetBias(ctx, vals[0], vals[1], vals[2]); err != nil {
		return err
	}

	pos := a.cfg.Device.CalibrationValue().BiasToPosition(float64(vals[1]), float64(vals[2]))
	fmt.Fprintf(a.out, "fiber %d: bias (%d, %d) position (%.2f, %.2f)\n",
		vals[0], vals[1], vals[2], coords.Round2(pos.X), coords.Round2(pos.Y))

	return nil
}

func (a *app) read(ctx context.Context, args []string) error {
	vals, err := atoiArgs(args, 1, 2)
	if err != nil {
		return err
	}
	samples := a.cfg.Alignment.Samples
	if len(vals) == 2 {
		samples = vals[1]
	}

	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	c, err := sess.ReadCoupling(ctx, vals[0], samples)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "fiber %d: min %d max %d avg %d (%.2f dBm)\n",
		vals[0], c.Min, c.Max, c.Avg, mac.ToDBm(float64(c.Avg)))

	return nil
}

func (a *app) move(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errUsage
	}
	fiber, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("fiber: %w", err)
	}
	x, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("x: %w", err)
	}
	y, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("y: %w", err)
	}

	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	m, err := mac.New(sess, a.cfg.Device.CalibrationValue())
	if err != nil {
		return err
	}
	m.SetLogger(a.logger)

	pos, err := m.MoveTo(ctx, fiber, coords.Position{X: x, Y: y})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "fiber %d: position (%.2f, %.2f)\n", fiber, pos.X, pos.Y)

	return nil
}

func (a *app) scan(ctx context.Context, args []string) error {
	vals, err := atoiArgs(args, 1, 2)
	if err != nil {
		return err
	}
	fiber, step := vals[0], defaultScanStep
	if len(vals) == 2 {
		step = vals[1]
	}
	if step < 1 {
		return fmt.Errorf("scan step must be positive, got %d", step)
	}

	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	// the fiber is returned to the centre even when the sweep fails
	defer func() {
		if err := sess.SetBias(context.WithoutCancel(ctx), fiber, centerBias, centerBias); err != nil {
			a.logger.Warn("failed to re-centre fiber after scan", "fiber", fiber, "error", err)
		}
	}()

	tw := tabwriter.NewWriter(a.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "left\tdeviation %\tmin\tmax\tavg\tavg dBm")

	for left := 0; left < frame.MaxBias; left += step {
		if err := sess.SetBias(ctx, fiber, left, centerBias); err != nil {
			return err
		}
		c, err := sess.ReadCoupling(ctx, fiber, a.cfg.Alignment.Samples)
		if err != nil {
			return err
		}

		deviation := float64(left)/frame.MaxBias*200 - 100
		fmt.Fprintf(tw, "%d\t%.1f\t%d\t%d\t%d\t%.2f\n", left, deviation, c.Min, c.Max, c.Avg, mac.ToDBm(float64(c.Avg)))
	}

	return tw.Flush()
}

func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	count := fs.Int("count", 0, "number of readings; 0 watches until interrupted")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	vals, err := atoiArgs(fs.Args(), 0, 1)
	if err != nil {
		return err
	}
	samples := a.cfg.Alignment.Samples
	if len(vals) == 1 {
		samples = vals[0]
	}

	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	for fiber := 1; fiber <= sess.FiberCount(); fiber++ {
		if err := sess.SetBias(ctx, fiber, centerBias, centerBias); err != nil {
			return err
		}
	}

	for n := 0; *count == 0 || n < *count; n++ {
		if ctx.Err() != nil {
			return nil
		}

		fmt.Fprint(a.out, time.Now().Format(time.TimeOnly))
		for fiber := 1; fiber <= sess.FiberCount(); fiber++ {
			c, err := sess.ReadCoupling(ctx, fiber, samples)
			if err != nil {
				if ctx.Err() != nil {
					fmt.Fprintln(a.out)
					return nil
				}
				return err
			}
			fmt.Fprintf(a.out, "\t%7.2f", mac.ToDBm(float64(c.Avg)))
		}
		fmt.Fprintln(a.out)
	}

	return nil
}

func (a *app) align(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("align", flag.ContinueOnError)
	note := fs.String("note", "", "note stored with the run")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return errUsage
	}

	var store *runstore.Store
	if a.cfg.Store.Path != "" {
		var err error
		if store, err = runstore.Open(ctx, a.cfg.Store.Path, runstore.WithLogger(a.logger)); err != nil {
			return err
		}
		defer store.Close()
	}

	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	run, err := align.New(sess,
		align.WithStepCapacity(a.cfg.Alignment.Steps),
		align.WithStepTimeout(a.cfg.Alignment.StepTimeout()),
		align.WithCalibration(a.cfg.Device.CalibrationValue()),
		align.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	started := time.Now()
	sc := a.cfg.Alignment.StartConfig()
	table, runErr := run.Run(ctx, sc, func(res align.StepResult) error {
		fmt.Fprintf(a.out, "step %3d:", res.Step)
		for _, c := range res.Coupling {
			fmt.Fprintf(a.out, " %6d", c)
		}
		fmt.Fprintln(a.out)

		return nil
	})
	if table == nil {
		return runErr
	}

	if err := printSummary(a.out, table); err != nil {
		return errors.Join(runErr, err)
	}

	if store != nil && table.Len() > 0 {
		// an interrupted run is still saved
		id, err := store.SaveRun(context.WithoutCancel(ctx), runstore.RunMeta{
			Port:      sess.Port(),
			Identity:  sess.Identity(),
			Start:     sc,
			StartedAt: started,
			Note:      *note,
		}, table)
		if err != nil {
			return errors.Join(runErr, err)
		}
		fmt.Fprintf(a.out, "run saved: %s\n", id)
	}

	return runErr
}

func (a *app) runs(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return errUsage
	}
	if a.cfg.Store.Path == "" {
		return errors.New("no run store configured (store.path)")
	}

	store, err := runstore.Open(ctx, a.cfg.Store.Path, runstore.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		meta, table, err := store.LoadRun(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "run %s on %s (%s), %s\n", meta.ID, meta.Port, meta.Identity,
			meta.StartedAt.Local().Format(time.DateTime))
		if meta.Note != "" {
			fmt.Fprintf(a.out, "note: %s\n", meta.Note)
		}

		return printSummary(a.out, table)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "id\tstarted\tport\tfibers\tsteps\tnote")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", r.ID, r.StartedAt.Local().Format(time.DateTime),
			r.Port, r.Fibers, r.Steps, r.Note)
	}

	return tw.Flush()
}

func printSummary(w io.Writer, table *align.Table) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "fiber\tsteps\tfinal\tfinal dBm\tmax\tmax step\tmean\tstddev\tx\ty")

	for fiber := 1; fiber <= table.Fibers(); fiber++ {
		s, err := table.Summary(fiber)
		if errors.Is(err, align.ErrNoSamples) {
			fmt.Fprintf(tw, "%d\t0\t-\t-\t-\t-\t-\t-\t-\t-\n", fiber)
			continue
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(tw, "%d\t%d\t%d\t%.2f\t%d\t%d\t%.1f\t%.1f\t%.2f\t%.2f\n",
			fiber, s.Steps, s.Final.Coupling, mac.ToDBm(float64(s.Final.Coupling)), s.Max, s.MaxStep,
			s.Mean, s.StdDev, s.Final.Position.X, s.Final.Position.Y)
	}

	return tw.Flush()
}

// atoiArgs parses between lo and hi integer arguments.
func atoiArgs(args []string, lo, hi int) ([]int, error) {
	if len(args) < lo || len(args) > hi {
		return nil, errUsage
	}

	vals := make([]int, len(args))
	for i, s := range args {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		vals[i] = v
	}

	return vals, nil
}
