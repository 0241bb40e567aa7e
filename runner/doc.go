// Package runner dispatches sync messages and package tasks to language
// runtimes.
//
// A [WorkerPool] owns one [Worker] per [Runtime]. Each worker is an actor: it
// takes requests from an unbounded inbound [Queue], handles them one at a
// time and replies on an outbound queue. Simulation runs are multiplexed
// over the same workers; every request names its run.
//
// A task may be distributed. Its state groups are partitioned over the
// workers into disjoint sets, the engine borrows the union with one pool
// proxy, every worker runs a [Job] over its partition and the results are
// combined in partition order. Writes are committed only when every job
// succeeded.
//
// Runtimes that cannot run concurrently are wrapped in an [Interpreter].
// Runtimes in another process are reached through an [ExternalRuntime],
// whose peer runs [Serve].
package runner
