// Package engine executes instrument sequences.
//
// The engine interprets a list of sequence.Steps against an instrument
// registry and accumulates a result.Record.
//
// EXECUTION MODEL:
//
// Single execution context:
// Steps run strictly in declaration order on the caller's goroutine. A step
// never starts before the previous step, including its settle delay, has
// finished. Instrument state is path-dependent, so there is no parallelism
// and no reordering.
//
// Per step:
//  1. Check the caller's context (deadline or cancellation aborts the run)
//  2. Resolve the instrument through the registry
//  3. Perform the action (command, query_wait, measurement)
//  4. Mark the instrument active if the step enabled an output
//  5. Honor the settle delay through the Clock
//
// A query_wait step re-polls every poll interval until the instrument
// answers "1". Its time budget bounds the wait, and WithMaxPolls can also
// cap the number of polls.
//
// After the last step, derived measurements are computed, the verdict is
// applied and stored under test_passed, and the record is sealed.
//
// FAILURE POLICY:
//
// Any failure aborts the remaining steps. Before the error is returned the
// engine sends the shutdown commands (default "OUTP OFF") to every active
// instrument in reverse activation order. Shutdown runs on a context
// detached from the caller's, so an expired deadline still gets outputs
// turned off. Shutdown failures are logged and attached to the returned
// SequenceError; they never replace the original failure.
//
// A failed run returns a nil Record. The SequenceError carries a partial
// record tagged Aborted for diagnostics.
package engine
