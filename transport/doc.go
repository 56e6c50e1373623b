// Package transport owns the byte-oriented serial connection to a MicroAlign controller.
//
// It exposes line writes and line reads with a read timeout and carries no
// knowledge of the command protocol. A Conn is not goroutine-safe; the device
// session that owns it serializes every write/read exchange.
//
// Lines are newline terminated ASCII. ReadLine returns the line including its
// trailing "\n" so that callers can compare replies byte for byte, and returns
// whatever partial text arrived together with ErrTimeout when the deadline
// expires first.
package transport
