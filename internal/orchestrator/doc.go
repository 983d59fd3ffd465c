// Package orchestrator owns the pipeline run lifecycle.
//
// States:
//   - RUNNING -> SUCCEEDED | FAILED
//
// A run is created RUNNING by StartRun and only ever moves to a terminal
// status through ReconcileRun, which derives the status from the stored block
// runs. The terminal write is conditional, so when several workers reconcile
// the same run concurrently exactly one of them performs the transition.
//
// Notifications:
//   - The worker that wins the transition notifies once.
//   - Notification and event failures are logged and never fail the run.
package orchestrator
