// Package scheduler picks the next batch of nodes to run from a resolver
// snapshot. Nodes the engine holds back (running, failed or gated) are
// reported as skipped, and the batch respects the batch size and the
// parallelism left over by running nodes.
package scheduler
