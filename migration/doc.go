// Package migration reshapes the pools of a simulation run between steps.
//
// A [Plan] assigns one [Action] to every existing group and lists the groups
// to create. [Migrator.Apply] executes it in phases:
//
//  1. validate the plan and take exclusive access to the whole state
//  2. stage new groups and grow segments that updates outgrow, in parallel
//  3. apply persist and update actions in parallel, one group per task
//  4. swap-remove groups marked for removal, from the highest index down
//  5. append the staged groups
//
// Every allocation happens in phase 2. If one fails, the staged groups are
// destroyed, grown batches are shrunk back, and an [*AbortError] is returned
// with the state as it was.
package migration
