// Package scheduler registers named schedules (cron expressions or fixed
// intervals) and, when one fires, enqueues its job into the task engine.
//
// The scheduler only triggers. Execution, timeouts, retries and overlap
// gating belong to the engine.
package scheduler
