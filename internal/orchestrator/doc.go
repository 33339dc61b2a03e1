// Package orchestrator runs forge workflows.
//
// # Overview
//
// A Supervisor drives one session through an ordered route of stages:
//
//	research → architect → codesmith → reviewfix
//
// The route is data (workflow.route in the configuration) and every id on it
// must name a stage in the dispatch table. Stages never call each other; they
// read earlier results through a read-only view of the session state and
// communicate through the session's memory namespace.
//
// # Checkpoints
//
// The full WorkflowState is written to the checkpoint store when a stage
// starts, after every stage result, after every review/fix loop transition
// and around every approval wait. Running a session id again resumes from its
// latest checkpoint and skips stages that already succeeded, so a crash at
// any point costs at most the stage that was in flight. A completed session
// returns its recorded outcome without doing any work.
//
// # Approvals
//
// Stages ask for approval through the run's Approver. The request is
// persisted as the session's pending approval (status awaiting_approval)
// before the wait starts; a resumed session waits on the same request id
// instead of asking again. A timed-out request is retried with a fresh
// request up to approval.timeout_retries times.
//
// # Cancellation
//
// Cancellation is cooperative. The supervisor checks the context before each
// stage, and a cancelled run is persisted as failed with error_detail
// "cancelled".
package orchestrator
