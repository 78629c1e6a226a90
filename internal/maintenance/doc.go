// Package maintenance runs housekeeping jobs on cron or interval schedules:
// pruning stopped run records and old audit rows, and sweeping expired
// conversations.
//
// Each trigger runs the job in a named goroutine of the service supervisor,
// so failures show up in /health. A job that is still running when its next
// trigger fires is skipped for that tick.
package maintenance
