/*
Package control implements the controller side of the channel: it spawns a
worker runtime process, drives named function calls and global reads/writes
over its redirected standard streams, and marshals the worker's failures
and warnings back to the caller.

One round trip proceeds as follows:

 1. The caller's goroutine takes the channel lock; at most one call is in
    flight per channel no matter how many goroutines share it.
 2. The payload (separator-joined tagged scalars) is bulk-copied to the
    worker's input stream, then the notification for the message kind is
    sent. Rejected notifications are retried on an interval, with worker
    liveness re-checked each time and a bound on the total retry time.
 3. The worker writes a response round to both the result stream and the
    diagnostic stream, each chunk ending in a continuation or end marker.
    The controller reads both streams each round, since neither can be
    peeked, and sends a continue notification until both end in the same
    round.
 4. A non-empty diagnostic payload is matched against the failure and
    warning registries: failures are returned from the call, warnings go
    to the warning handler, and unknown tags become a generic failure.

Set is the one exception: it takes the lock for ordering but does not wait
for a response. Worker shutdown, graceful or forced, surfaces as ExitError
carrying the process's own exit code; that is the expected result of Exit,
not an anomaly.
*/
package control
