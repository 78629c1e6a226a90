// Package conversation tracks multi-turn operator input as an explicit state
// machine: one Context per operator, a fixed transition table and an idle
// timeout. It holds no business logic; callers validate input, act on it and
// then Fire the matching event.
package conversation
