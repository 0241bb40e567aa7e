package simstate

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/codec"
	"github.com/hupe1980/simstate/internal/fs"
	"github.com/hupe1980/simstate/migration"
	"github.com/hupe1980/simstate/rtsync"
	"github.com/hupe1980/simstate/runner"
	"github.com/hupe1980/simstate/segment"
	"github.com/hupe1980/simstate/testutil"
)

const pkgDouble uint64 = 1

func double(_ context.Context, j *runner.Job) ([]byte, error) {
	rows := 0
	for _, a := range j.Agents {
		xs, err := batch.Values[float64](a, "x")
		if err != nil {
			return nil, err
		}
		for i := range xs {
			xs[i] *= 2
		}
		rows += len(xs)
	}
	return codec.Default.Marshal(rows)
}

type fixture struct {
	eng      *Engine
	dir      string
	metrics  *BasicMetricsObserver
	mu       sync.Mutex
	runtimes []*runner.NativeRuntime
}

func newFixture(t *testing.T, workers int, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), metrics: &BasicMetricsObserver{}}
	opts = append([]Option{
		WithSegmentDir(f.dir),
		WithMetricsObserver(f.metrics),
		WithPackage("double", pkgDouble, map[string]float64{"factor": 2}),
		WithContextSchema(batch.Field{Name: "step", Type: batch.Uint64}),
		WithRuntimes(NativeRuntimes(workers, func(_ int, rt *runner.NativeRuntime) {
			rt.Register(pkgDouble, double)
			f.mu.Lock()
			f.runtimes = append(f.runtimes, rt)
			f.mu.Unlock()
		})),
	}, opts...)

	eng, err := New(context.Background(), testutil.AgentSchema, testutil.MessageSchema, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	f.eng = eng
	return f
}

func (f *fixture) session(t *testing.T, worker int, run rtsync.RunID) *rtsync.Session {
	t.Helper()
	sess, ok := f.runtimes[worker].Replica().Session(run)
	require.True(t, ok)
	return sess
}

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "shm_*"))
	require.NoError(t, err)
	return matches
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	init, ok := f.runtimes[0].Replica().Init()
	require.True(t, ok)
	require.Len(t, init.Packages, 1)
	assert.JSONEq(t, `{"factor":2}`, string(init.Packages[0].Payload))

	run, err := f.eng.StartRun(ctx, map[string]int{"seed": 7}, 10, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, rtsync.RunID(1), run.ID())
	assert.Equal(t, 30, run.State().NumAgents())
	assert.Equal(t, []rtsync.RunID{1}, f.eng.Runs())
	assert.Len(t, segmentFiles(t, f.dir), 6)
	assert.Positive(t, f.eng.MemoryUsage())

	// Both runtimes mapped every segment once.
	for w := range f.runtimes {
		v := f.session(t, w, 1).View()
		assert.Len(t, v.Agents, 3)
		assert.JSONEq(t, `{"seed":7}`, string(v.Globals))
	}

	outs, err := run.StateSync(ctx)
	require.NoError(t, err)
	for _, o := range outs {
		assert.Zero(t, o.Work())
	}

	require.NoError(t, run.Close(ctx))
	assert.Empty(t, segmentFiles(t, f.dir))
	assert.Zero(t, f.eng.MemoryUsage())
	assert.Equal(t, rtsync.Terminated, f.session(t, 0, 1).State())

	assert.ErrorIs(t, run.Close(ctx), ErrRunClosed)
	_, err = run.StateSync(ctx)
	assert.ErrorIs(t, err, ErrRunClosed)

	require.NoError(t, f.eng.Close())
	require.NoError(t, f.eng.Close())
	_, err = f.eng.StartRun(ctx, nil, 1)
	assert.ErrorIs(t, err, ErrClosed)

	stats := f.metrics.GetStats()
	assert.Positive(t, stats.Syncs)
	assert.Positive(t, stats.SegmentBytesPeak)
}

func TestEngine_Migrate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	run, err := f.eng.StartRun(ctx, nil, 10, 10, 10)
	require.NoError(t, err)

	removed, err := run.Migrate(ctx, migration.Plan{
		Existing: []migration.Action{migration.Persist{}, migration.Remove{}, migration.Persist{}},
		Create: []migration.Creation{{
			Rows:    4,
			Columns: map[string][]byte{"agent_id": testutil.Uint64s(30, 31, 32, 33)},
		}},
	})
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, 3, run.State().Len())
	assert.Equal(t, 24, run.State().NumAgents())

	for _, id := range removed {
		_, err := os.Stat(filepath.Join(f.dir, id))
		assert.True(t, errors.Is(err, os.ErrNotExist), id)
	}
	assert.Len(t, segmentFiles(t, f.dir), 6)

	v := f.session(t, 0, run.ID()).View()
	require.Len(t, v.Agents, 3)
	rows := 0
	for _, a := range v.Agents {
		rows += a.Rows()
	}
	assert.Equal(t, 24, rows)

	stats := f.metrics.GetStats()
	assert.Equal(t, int64(1), stats.Migrations)
	assert.Equal(t, int64(1), stats.GroupsRemoved)
	assert.Equal(t, int64(1), stats.GroupsCreated)
}

func TestEngine_MigrateAbortsOnMemoryLimit(t *testing.T) {
	ctx := context.Background()
	// Three groups of 10 rows hold 864 bytes; a fourth does not fit.
	f := newFixture(t, 1, WithMemoryLimit(1000))
	run, err := f.eng.StartRun(ctx, nil, 10, 10, 10)
	require.NoError(t, err)
	before := f.eng.MemoryUsage()

	_, err = run.Migrate(ctx, migration.Plan{
		Existing: []migration.Action{migration.Persist{}, migration.Persist{}, migration.Persist{}},
		Create:   []migration.Creation{{Rows: 10}},
	})
	var abort *migration.AbortError
	require.ErrorAs(t, err, &abort)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "migrate", runErr.Op)

	assert.Equal(t, 3, run.State().Len())
	assert.Equal(t, before, f.eng.MemoryUsage())
	assert.Equal(t, int64(1), f.metrics.GetStats().MigrationErrors)
}

func TestEngine_Exec(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	run, err := f.eng.StartRun(ctx, nil, 3, 2)
	require.NoError(t, err)

	w, err := run.State().Write(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Agents.Batch(1).SetColumn("x", testutil.Float64s(1.5, 4)))
	require.NoError(t, w.Commit())
	w.Release()
	_, err = run.StateSync(ctx)
	require.NoError(t, err)

	res, err := run.Exec(ctx, runner.Task{PackageID: pkgDouble, Access: runner.AccessWrite, Distribute: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Parts)
	assert.JSONEq(t, `[3,2]`, string(res.Payload))

	r, err := run.State().Agents.TryRead(nil)
	require.NoError(t, err)
	xs, err := batch.Values[float64](r.Batch(1), "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 8}, xs)
	r.Release()

	outs, err := run.StateSync(ctx)
	require.NoError(t, err)
	for _, o := range outs {
		assert.Equal(t, 4, o.Reloaded)
	}

	_, err = run.Exec(ctx, runner.Task{PackageID: 42})
	assert.ErrorIs(t, err, runner.ErrUnknownPackage)

	stats := f.metrics.GetStats()
	assert.Equal(t, int64(2), stats.Tasks)
	assert.Equal(t, int64(1), stats.TaskErrors)
}

func TestEngine_PublishContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	run, err := f.eng.StartRun(ctx, nil, 3, 2)
	require.NoError(t, err)

	var step uint64
	fill := func(b *batch.Batch) error {
		steps, err := batch.Values[uint64](b, "step")
		if err != nil {
			return err
		}
		step++
		for i := range steps {
			steps[i] = step
		}
		return nil
	}

	outs, err := run.PublishContext(ctx, fill)
	require.NoError(t, err)
	assert.Equal(t, 1, outs[0].Opened)

	outs, err = run.PublishContext(ctx, fill)
	require.NoError(t, err)
	assert.Equal(t, 1, outs[0].Reloaded)
	assert.Equal(t, uint64(2), run.Step())

	v := f.session(t, 0, run.ID()).View()
	assert.Equal(t, []uint32{0, 3}, v.GroupStarts)
	assert.Equal(t, uint64(2), v.Step)
	steps, err := batch.Values[uint64](v.Context, "step")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 2, 2, 2, 2}, steps)
}

func TestEngine_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, nil, testutil.MessageSchema, WithSegmentDir(t.TempDir()))
	assert.ErrorIs(t, err, batch.ErrInvalidSchema)

	_, err = New(ctx, testutil.AgentSchema, testutil.MessageSchema,
		WithSegmentDir(t.TempDir()),
		WithContextSchema(batch.Field{Name: "dup", Type: batch.Int32}, batch.Field{Name: "dup", Type: batch.Int32}),
	)
	assert.ErrorIs(t, err, batch.ErrInvalidSchema)

	f := newFixture(t, 1)
	_, err = f.eng.StartRun(ctx, nil, 1, -1)
	assert.ErrorIs(t, err, ErrInvalidGroups)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l.WithRun(3).WithRuntime(runner.External).LogSegmentBytes(context.Background(), 2048, 1<<20)
	assert.Contains(t, buf.String(), `"run":3`)
	assert.Contains(t, buf.String(), `"runtime":"external"`)
	assert.Contains(t, buf.String(), "2.0 KiB")

	buf.Reset()
	l.LogMigration(context.Background(), 3, 3, 30, errors.New("boom"))
	assert.Contains(t, buf.String(), "migration failed")

	buf.Reset()
	l.LogSync(context.Background(), rtsync.KindStateSync, []rtsync.Outcome{{Opened: 2}, {Reloaded: 1}}, nil)
	assert.Contains(t, buf.String(), `"segments_read":3`)

	buf.Reset()
	l.LogTask(context.Background(), runner.TaskStats{TaskID: "t-1", Parts: 1, Diagnostics: []rtsync.Diagnostic{
		{Kind: rtsync.UserError, Message: "agent 4 left the grid"},
	}})
	assert.Contains(t, buf.String(), `"level":"ERROR","msg":"runtime diagnostic"`)
	assert.Contains(t, buf.String(), `"kind":"user_error"`)
	assert.Contains(t, buf.String(), "agent 4 left the grid")

	buf.Reset()
	NoopLogger().Info("hidden")
	assert.Empty(t, buf.String())
}

func TestEngine_TaskDiagnostics(t *testing.T) {
	ctx := context.Background()
	const pkgWarn uint64 = 5
	f := newFixture(t, 2, WithPackage("warn", pkgWarn, map[string]bool{"verbose": true}))
	for _, rt := range f.runtimes {
		rt.Register(pkgWarn, func(_ context.Context, j *runner.Job) ([]byte, error) {
			for _, g := range j.Groups {
				j.Report(rtsync.UserWarning, "group %d has no neighbours", g)
			}
			j.Report(rtsync.RunnerLog, "done")
			return nil, nil
		})
	}

	run, err := f.eng.StartRun(ctx, nil, 2, 3)
	require.NoError(t, err)

	res, err := run.Exec(ctx, runner.Task{PackageID: pkgWarn, Access: runner.AccessRead})
	require.NoError(t, err)
	assert.Equal(t, []rtsync.Diagnostic{
		{Kind: rtsync.UserWarning, Message: "group 0 has no neighbours"},
		{Kind: rtsync.UserWarning, Message: "group 1 has no neighbours"},
		{Kind: rtsync.RunnerLog, Message: "done"},
	}, res.Diagnostics)

	stats := f.metrics.GetStats()
	assert.Equal(t, int64(2), stats.UserWarnings)
	assert.Equal(t, int64(1), stats.RunnerLogs)
	assert.Zero(t, stats.UserErrors)
}

func TestEngine_ExternalRuntime(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	runtimeStore, err := segment.NewStore(segment.Config{Dir: dir})
	require.NoError(t, err)
	replica := rtsync.NewReplica(runtimeStore, nil)
	defer replica.Close()

	engineEnd, runtimeEnd := net.Pipe()
	wire := rtsync.NewCodec(rtsync.CompressionLZ4)
	served := make(chan error, 1)
	go func() {
		served <- runner.Serve(ctx, runtimeEnd, replica, wire, func(_ context.Context, sess *rtsync.Session, task rtsync.Task, _ runner.ReportFunc) ([]byte, error) {
			rows := 0
			for _, g := range task.GroupIndices {
				rows += sess.View().Agents[g].Rows()
			}
			return codec.Default.Marshal(rows)
		})
	}()

	eng, err := New(ctx, testutil.AgentSchema, testutil.MessageSchema,
		WithSegmentDir(dir),
		WithCompression(rtsync.CompressionLZ4),
		WithPackage("count", 9, map[string]string{"mode": "rows"}),
		WithRuntimes(ExternalRuntimes(engineEnd)),
	)
	require.NoError(t, err)

	init, ok := replica.Init()
	require.True(t, ok)
	assert.Equal(t, eng.ExperimentID(), init.ExperimentID)
	assert.JSONEq(t, `{"mode":"rows"}`, string(init.Packages[0].Payload))

	run, err := eng.StartRun(ctx, []int{1, 2}, 5, 7)
	require.NoError(t, err)
	sess, ok := replica.Session(run.ID())
	require.True(t, ok)
	assert.JSONEq(t, `[1,2]`, string(sess.View().Globals))

	res, err := run.Exec(ctx, runner.Task{PackageID: 9, Access: runner.AccessRead})
	require.NoError(t, err)
	assert.JSONEq(t, `12`, string(res.Payload))

	require.NoError(t, eng.Close())
	assert.Equal(t, rtsync.Terminated, sess.State())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after the engine closed")
	}
	assert.Empty(t, segmentFiles(t, dir))
}

func TestEngine_EmbeddedRuntimes(t *testing.T) {
	ctx := context.Background()
	eng, err := New(ctx, testutil.AgentSchema, testutil.MessageSchema,
		WithSegmentDir(t.TempDir()),
		WithRuntimes(EmbeddedRuntimes(2, func(_ int, rt *runner.NativeRuntime) {
			rt.Register(pkgDouble, double)
		})),
	)
	require.NoError(t, err)
	defer eng.Close()

	assert.Equal(t, runner.Embedded, eng.Workers().Worker(0).Runtime().Kind())

	run, err := eng.StartRun(ctx, nil, 1, 2, 3)
	require.NoError(t, err)
	res, err := run.Exec(ctx, runner.Task{PackageID: pkgDouble, Access: runner.AccessWrite, Distribute: true})
	require.NoError(t, err)
	// Groups 0 and 2 share worker 0.
	assert.JSONEq(t, `[4,2]`, string(res.Payload))

	_, err = New(ctx, testutil.AgentSchema, testutil.MessageSchema,
		WithSegmentDir(t.TempDir()),
		WithRuntimes(ExternalRuntimes()),
	)
	assert.ErrorIs(t, err, runner.ErrNoRuntimes)
}

func TestEngine_MigrateAbortsOnFileSystemFault(t *testing.T) {
	ctx := context.Background()
	faulty := fs.NewFaultyFS(nil)
	f := newFixture(t, 1, WithFileSystem(faulty))
	run, err := f.eng.StartRun(ctx, nil, 2, 2)
	require.NoError(t, err)

	faulty.AddRule("shm_", fs.Fault{FailOnOpen: true})
	_, err = run.Migrate(ctx, migration.Plan{
		Existing: []migration.Action{migration.Remove{}, migration.Persist{}},
		Create:   []migration.Creation{{Rows: 3}},
	})
	require.ErrorIs(t, err, fs.ErrInjected)
	assert.Equal(t, 2, run.State().Len())
	assert.Equal(t, 4, run.State().NumAgents())

	faulty.ClearRules()
	removed, err := run.Migrate(ctx, migration.Plan{
		Existing: []migration.Action{migration.Remove{}, migration.Persist{}},
		Create:   []migration.Creation{{Rows: 3}},
	})
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Equal(t, 5, run.State().NumAgents())
}
