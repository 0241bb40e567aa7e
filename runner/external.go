package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hupe1980/simstate/rtsync"
)

// BreakerConfig controls when an ExternalRuntime stops using a failing
// stream. Only transport failures count; errors reported by the runtime do
// not.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive transport failures that open
	// the breaker. Default 3.
	MaxFailures uint32
	// Cooldown is how long the breaker stays open before one trial call is
	// let through. Default 5s.
	Cooldown time.Duration
}

// ExternalRuntime forwards messages and jobs to a runtime in another process
// over a byte stream, one request at a time. Only segment refs cross the
// stream; the other side maps the segments itself.
type ExternalRuntime struct {
	mu      sync.Mutex
	rw      io.ReadWriter
	codec   *rtsync.Codec
	breaker *gobreaker.CircuitBreaker
}

// NewExternalRuntime speaks the rtsync wire format over rw with the default
// breaker settings.
func NewExternalRuntime(rw io.ReadWriter, codec *rtsync.Codec) *ExternalRuntime {
	return NewExternalRuntimeWithBreaker(rw, codec, BreakerConfig{})
}

// NewExternalRuntimeWithBreaker is like NewExternalRuntime with explicit
// breaker settings.
func NewExternalRuntimeWithBreaker(rw io.ReadWriter, codec *rtsync.Codec, cfg BreakerConfig) *ExternalRuntime {
	if codec == nil {
		codec = rtsync.NewCodec(rtsync.CompressionNone)
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	return &ExternalRuntime{
		rw:    rw,
		codec: codec,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "external-runtime",
			MaxRequests: 1,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= cfg.MaxFailures
			},
		}),
	}
}

func (r *ExternalRuntime) Kind() Kind { return External }

func (r *ExternalRuntime) call(ctx context.Context, m rtsync.Message) (rtsync.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return rtsync.Result{}, err
	}
	v, err := r.breaker.Execute(func() (any, error) {
		if err := r.codec.Encode(r.rw, m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInboundSendFailed, err)
		}
		body, err := rtsync.ReadFrame(r.rw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOutboundRecvFailed, err)
		}
		res, err := r.codec.UnmarshalResult(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOutboundRecvFailed, err)
		}
		return res, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return rtsync.Result{}, fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}
	if err != nil {
		return rtsync.Result{}, err
	}
	res := v.(rtsync.Result)
	if res.Err != "" {
		return res, errors.New(res.Err)
	}
	return res, nil
}

func (r *ExternalRuntime) Sync(ctx context.Context, m rtsync.Message) (rtsync.Outcome, error) {
	res, err := r.call(ctx, m)
	return res.Outcome, err
}

func (r *ExternalRuntime) Exec(ctx context.Context, j *Job) ([]byte, error) {
	res, err := r.call(ctx, rtsync.Task{
		Run:       j.Run,
		TaskID:    j.TaskID,
		PackageID: j.PackageID,
		Write:     j.Write,
		Pools:     j.Pools(),
		Payload:   j.Payload,
	})
	j.report(res.Diagnostics...)
	return res.Payload, err
}

// Close closes the stream if it is an io.Closer.
func (r *ExternalRuntime) Close() error {
	if c, ok := r.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReportFunc records a diagnostic for the task being handled.
type ReportFunc func(kind rtsync.DiagnosticKind, format string, args ...any)

// TaskHandler runs a task on the runtime side after the session has synced
// the task's pools. What it reports travels back with the result.
type TaskHandler func(ctx context.Context, sess *rtsync.Session, t rtsync.Task, report ReportFunc) ([]byte, error)

// Serve is the runtime side of an ExternalRuntime: it applies every received
// message to replica, runs tasks with handle and answers each message with
// one result. It returns nil when the stream ends.
func Serve(ctx context.Context, rw io.ReadWriter, replica *rtsync.Replica, codec *rtsync.Codec, handle TaskHandler) error {
	if codec == nil {
		codec = rtsync.NewCodec(rtsync.CompressionNone)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := codec.Decode(rw)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		if err != nil {
			return err
		}

		res := rtsync.Result{Kind: m.Kind()}
		res.Run, _ = rtsync.RunOf(m)
		res.Outcome, err = replica.Handle(m)
		if t, ok := m.(rtsync.Task); ok && err == nil {
			res.TaskID = t.TaskID
			sess, _ := replica.Session(t.Run)
			if handle == nil {
				err = fmt.Errorf("%w: %d", ErrUnknownPackage, t.PackageID)
			} else {
				report := func(kind rtsync.DiagnosticKind, format string, args ...any) {
					res.Diagnostics = append(res.Diagnostics, rtsync.Diagnostic{Kind: kind, Message: fmt.Sprintf(format, args...)})
				}
				res.Payload, err = handle(ctx, sess, t, report)
			}
		}
		if err != nil {
			res.Err = err.Error()
		}
		if err := rtsync.WriteFrame(rw, codec.MarshalResult(res)); err != nil {
			return err
		}
	}
}
