// Package storage is the durable session store.
//
// It keeps:
//   - operators and the user-client accounts they own
//   - per-account broadcast configuration (destinations, default text, overrides)
//   - run records: whether an account's broadcast loop was last known running
//   - the operator audit log and notifier dedup state
//
// At most one run record per account may be "running"; a partial unique index
// enforces it.
package storage
