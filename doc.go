// Package simstate manages the shared-memory state of agent-based
// simulations and keeps every language runtime of an experiment in sync with
// it.
//
// State is a pair of pools, agents and messages, of columnar batches. Each
// batch lives in its own shared memory segment, headed by a version token
// (the metaversion). Runtimes map the same segments and compare tokens to
// decide whether to do nothing, re-read, or remap.
//
// # Quick Start
//
//	agents := batch.MustSchema(batch.Field{Name: "x", Type: batch.Float64})
//	messages := batch.MustSchema(batch.Field{Name: "to", Type: batch.Uint64})
//
//	eng, err := simstate.New(ctx, agents, messages,
//	    simstate.WithMaxParallelism(4),
//	    simstate.WithLogger(simstate.NewTextLogger(slog.LevelInfo)),
//	)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	run, err := eng.StartRun(ctx, nil, 100, 100) // two groups of 100 agents
//	if err != nil {
//	    return err
//	}
//	defer run.Close(ctx)
//
// # Migration
//
// Between steps the engine reshapes the state with a plan: every existing
// group is persisted, updated or removed, and new groups may be created.
// Applying a plan is all-or-nothing with respect to allocation.
//
//	removed, err := run.Migrate(ctx, migration.Plan{
//	    Existing: []migration.Action{migration.Persist{}, migration.Remove{}},
//	    Create:   []migration.Creation{{Rows: 10}},
//	})
//
// # Tasks
//
// Package work runs on the runtimes registered with [WithRuntimes]. A
// distributed task is split by group over all workers and the results are
// combined in group partition order.
//
//	res, err := run.Exec(ctx, runner.Task{PackageID: 1, Access: runner.AccessWrite, Distribute: true})
package simstate
