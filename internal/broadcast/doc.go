// Package broadcast runs one paced send loop per account.
//
// The Scheduler is the only owner of loops: it reserves an account's slot
// before any I/O and releases it only after the loop has exited and the run
// record reads stopped, so no account ever has two loops in this process. The
// run_records partial unique index carries the same guarantee across
// processes.
//
// A loop reads its configuration once per cycle, sends the per-destination
// text to each active destination in order, sleeps a random pace after every
// successful send, and sleeps base+jitter between cycles. A rate-limit reply
// pauses the whole loop and retries the same destination.
package broadcast
