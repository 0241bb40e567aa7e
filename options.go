package simstate

import (
	"io"
	"log/slog"
	"time"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/codec"
	"github.com/hupe1980/simstate/internal/fs"
	"github.com/hupe1980/simstate/rtsync"
	"github.com/hupe1980/simstate/runner"
	"github.com/hupe1980/simstate/segment"
)

// RuntimeEnv is what a RuntimeFactory gets from the engine.
type RuntimeEnv struct {
	Store  *segment.Store
	Logger *slog.Logger
	// Codec encodes messages for runtimes in other processes with the
	// compression set by WithCompression.
	Codec *rtsync.Codec
}

// RuntimeFactory builds the runtimes of an engine once its segment store
// exists. Each runtime gets its own worker.
type RuntimeFactory func(env RuntimeEnv) ([]runner.Runtime, error)

type packageConfig struct {
	name   string
	id     uint64
	config any
}

type options struct {
	codec           codec.Codec
	compression     rtsync.Compression
	metricsObserver MetricsObserver
	logger          *Logger
	segmentDir      string
	fs              fs.FileSystem
	memoryLimit     int64
	maxParallelism  int64
	copyRateLimit   int64
	lockTimeout     time.Duration
	contextSchema   []batch.Field
	packages        []packageConfig
	runtimes        RuntimeFactory
}

// Option configures an Engine.
type Option func(*options)

// WithCodec configures the codec package configs and run globals are
// encoded with.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithCompression configures how package configs are compressed for
// runtimes in other processes. See ExternalRuntimes.
func WithCompression(c rtsync.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithMetricsObserver configures an observer for engine events.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsObserver:
//
//	metrics := &simstate.BasicMetricsObserver{}
//	eng, _ := simstate.New(ctx, agents, messages, simstate.WithMetricsObserver(metrics))
//	// ... use eng ...
//	stats := metrics.GetStats()
//	fmt.Printf("Tasks: %d, Avg latency: %dns\n", stats.Tasks, stats.TaskAvgNanos)
func WithMetricsObserver(mo MetricsObserver) Option {
	return func(o *options) {
		if mo == nil {
			mo = NoopMetricsObserver{}
		}
		o.metricsObserver = mo
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := simstate.NewJSONLogger(slog.LevelInfo)
//	eng, _ := simstate.New(ctx, agents, messages, simstate.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithSegmentDir sets the directory segment files are created in.
// Defaults to /dev/shm. Every runtime must see the same directory.
func WithSegmentDir(dir string) Option {
	return func(o *options) {
		o.segmentDir = dir
	}
}

// WithFileSystem replaces the filesystem segment files are created on.
// Intended for fault injection in tests.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithMemoryLimit caps the shared memory held by segments this engine
// creates. Allocations beyond it fail; migrations then abort cleanly.
// 0 means unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithMaxParallelism bounds how many batches a migration processes at once
// and how many sub-tasks of one task run concurrently.
func WithMaxParallelism(n int) Option {
	return func(o *options) {
		o.maxParallelism = int64(n)
	}
}

// WithCopyRateLimit limits how fast batch contents are relocated when a
// segment grows, in bytes per second. 0 means unlimited.
func WithCopyRateLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.copyRateLimit = bytesPerSec
	}
}

// WithLockTimeout bounds how long migrations and tasks wait for state that
// is borrowed elsewhere. 0 means wait for the caller's context only.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.lockTimeout = d
	}
}

// WithContextSchema sets the layout of per-step context batches.
func WithContextSchema(fields ...batch.Field) Option {
	return func(o *options) {
		o.contextSchema = fields
	}
}

// WithPackage registers a simulation package. config is encoded with the
// engine codec and sent to every runtime at init.
func WithPackage(name string, id uint64, config any) Option {
	return func(o *options) {
		o.packages = append(o.packages, packageConfig{name: name, id: id, config: config})
	}
}

// WithRuntimes sets the runtimes tasks run on. By default the engine runs a
// single native runtime without behaviors.
func WithRuntimes(f RuntimeFactory) Option {
	return func(o *options) {
		o.runtimes = f
	}
}

// NativeRuntimes returns a factory of n native runtimes, each set up by
// register.
func NativeRuntimes(n int, register func(worker int, rt *runner.NativeRuntime)) RuntimeFactory {
	return func(env RuntimeEnv) ([]runner.Runtime, error) {
		out := make([]runner.Runtime, n)
		for i := range out {
			rt := runner.NewNativeRuntime(env.Store, env.Logger.With("worker", i))
			if register != nil {
				register(i, rt)
			}
			out[i] = rt
		}
		return out, nil
	}
}

// EmbeddedRuntimes is like NativeRuntimes but runs the tasks of each runtime
// one at a time, the way a single-threaded interpreter does.
func EmbeddedRuntimes(n int, register func(worker int, rt *runner.NativeRuntime)) RuntimeFactory {
	native := NativeRuntimes(n, register)
	return func(env RuntimeEnv) ([]runner.Runtime, error) {
		rts, err := native(env)
		if err != nil {
			return nil, err
		}
		for i, rt := range rts {
			rts[i] = runner.NewInterpreter(rt)
		}
		return rts, nil
	}
}

// ExternalRuntimes returns a factory of one runtime per connection. The other
// end of each connection serves it with runner.Serve. The engine closes
// connections that implement io.Closer.
func ExternalRuntimes(conns ...io.ReadWriter) RuntimeFactory {
	return func(env RuntimeEnv) ([]runner.Runtime, error) {
		if len(conns) == 0 {
			return nil, runner.ErrNoRuntimes
		}
		out := make([]runner.Runtime, len(conns))
		for i, c := range conns {
			out[i] = runner.NewExternalRuntime(c, env.Codec)
		}
		return out, nil
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:           codec.Default,
		metricsObserver: NoopMetricsObserver{},
		logger:          NoopLogger(),
		segmentDir:      segment.DefaultDir,
		runtimes:        NativeRuntimes(1, nil),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
