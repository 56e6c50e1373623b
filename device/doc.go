// Package device implements a session with a MicroAlign MAC fiber-alignment
// controller attached to a serial port.
//
// A Session is obtained either by Discover, which probes every serial port of
// the host with the identification query, or by Connect, which performs the
// same handshake against one named port. Once bound, the session offers the
// two steady-state operations of the controller:
//
//	sess, err := device.Discover(ctx)
//	if err != nil {
//		return err
//	}
//	defer sess.Close()
//
//	err = sess.SetBias(ctx, 1, 2048, 2048)
//	c, err := sess.ReadCoupling(ctx, 1, 10)
//
// Every operation is a single synchronous write-then-read exchange and is never
// retried. The alignment package takes an exclusive Lease on the session for
// the duration of a run; SetBias and ReadCoupling fail with ErrSessionLeased
// while the lease is held.
package device
