// Package align drives the alignment algorithm that runs inside the
// MicroAlign controller firmware.
//
// A run is a START exchange, followed by steps of two NEXT exchanges each
// (first the coupling frame of all fibers, then their bias frame), and ends
// with STOP. The session accumulates every step into a Table:
//
//	run, err := align.New(sess, align.WithStepCapacity(140))
//	if err != nil {
//		return err
//	}
//	table, err := run.Run(ctx, frame.StartConfig{Samples: 5, MinStepBits: 5}, nil)
//
// The run takes the exclusive lease of the device session while it is Running
// or Faulted. Nothing is retried: a timeout or a malformed frame faults the
// run, and the only remaining operations are Stop and Close.
package align
