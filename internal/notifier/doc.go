// Package notifier delivers operator-facing messages through the operator bot.
//
// Broadcast loops report cycle summaries, rate-limit pauses and stops here.
// Delivery is asynchronous: a bounded queue feeds a small worker pool that is
// rate limited and retries transient failures. A full queue drops the
// message; loops never wait on the operator bot.
//
// # Dedup
//
// Identical text to the same operator inside DedupWindow is sent once. With
// PersistDedup the suppress-until time is also written to storage so a
// restart does not repeat the last notice. Alert skips the window; loops use
// it because each of their notices is a separate event.
package notifier
