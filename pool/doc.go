// Package pool holds the ordered batch pools of a simulation run and the
// pool-level proxies over them.
//
// Pool-level proxies acquire one batch proxy per selected index in ascending
// order and either hold all of them or none. The agent pool is always
// acquired before the message pool. Callers that follow this order cannot
// deadlock against each other.
//
// Removing a batch reclaims it from shared ownership; this fails with
// [ErrBatchBorrowed] instead of crashing while any proxy is outstanding.
package pool
