// Package work runs marketd's background jobs through one single-in-flight
// processor.
//
// Work types are registered once with an ID, a priority, an A-share session
// timing constraint, and a minimum interval between runs. The processor
// scans the registry whenever it is triggered, picks the highest-priority
// stale work whose timing and dependencies allow it, and executes it in a
// goroutine with a per-item timeout. Failed items go to a bounded retry
// queue; completed items are recorded in an in-memory tracker that drives
// interval staleness and dependency checks.
//
// Registered work:
//
//   - symbols:sync       every 24h, any time. Refreshes the symbol table.
//   - daily:incremental  every 30m while the session is open; today's rows
//     stay unfinal. Depends on symbols:sync.
//   - daily:finalize     every 24h after the close-finalize wall clock;
//     re-runs the incremental window with today marked final.
//   - history:backfill   on demand only. Queued by the facade with a
//     pre-announced run id; stops cooperatively on shutdown with its
//     cursor persisted.
//   - db:maintenance     every 24h after close. Checkpoint, integrity
//     check, conditional vacuum, run-history pruning.
//   - db:backup          every 24h after close, after maintenance. Only
//     registered as runnable when backup storage is configured.
//
// Intervals are hardcoded: the vendors refresh daily bars on a fixed
// cadence and the store ratchet makes re-runs idempotent, so there is
// nothing for an operator to tune that the settings service does not
// already cover (provider order, retry, cooldown).
//
// Cron entries and the HTTP facade never execute work types directly; cron
// enqueues them and the facade goes through Triggers, so everything heavy
// flows through the same single-in-flight discipline.
package work
