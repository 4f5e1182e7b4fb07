// Package proto holds the types exchanged between procflip processes and the
// functions for reading and writing them off the wire.
//
// Two wires exist. The readiness channel carries exactly one
// ReadinessMessage per restart attempt, written by the successor process to
// the predecessor that spawned it. Closure of the channel without a message
// is a valid terminal state (the successor died before reporting), not a
// protocol error. The control socket carries one ControlRequest per
// connection, answered by one ControlResponse.
//
// All messages are length-prefixed JSON blobs. The prefix is a big-endian
// int32 byte count of the JSON that follows.
package proto
