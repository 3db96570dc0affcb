/*
Package worker implements the runtime half of the channel: a long-lived
process that services get/set/call notifications from a controller against
a registry of named functions and a globals store.

The read loop executes background-eligible calls inline; calls that must
run on the primary execution path are queued to the goroutine that entered
Serve, mirroring a deferred self-invocation. Responses are written to both
output streams every round, chunked to a fixed transfer unit, because the
controller reads them in lockstep.

The worker's stderr is the diagnostic stream. Anything else written there
corrupts the protocol, which is why the default logger is a nop.
*/
package worker
