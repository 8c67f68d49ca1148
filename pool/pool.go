// Package pool runs envelope admission off the handler goroutines. A fixed
// set of workers performs schema validation, signature verification, and
// replay admission; handlers submit a job and block until its verdict.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"strings"
	"sync"
	"time"

	"infermesh/observability/metrics"
	"infermesh/protocol"
	"infermesh/replay"
)

// ErrClosed is returned by Verify after Close.
var ErrClosed = errors.New("pool: closed")

// Config tunes the pool. Zero values take defaults.
type Config struct {
	// Workers defaults to max(2, NumCPU-1).
	Workers int
	// QueueSize bounds pending jobs; submission blocks when full. Defaults
	// to 16 slots per worker.
	QueueSize int
}

// DefaultWorkers returns the default pool size for this host.
func DefaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 2 {
		n = 2
	}
	return n
}

// Job is one envelope to admit. InnerType names the payload schema; empty
// validates the outer envelope only. WantKeyID, when set, pins the signer.
// SkipReplay checks shape and signature without consuming the nonce: inline
// payment receipts are durable credentials presented more than once, and
// their one-shot semantics live in the payments engine instead.
type Job struct {
	Raw        []byte
	InnerType  string
	WantKeyID  string
	SkipReplay bool
}

type verdict struct {
	env *protocol.Envelope
	err error
}

type task struct {
	job  Job
	done chan verdict
}

// Pool verifies envelopes on worker goroutines. Safe for concurrent use.
type Pool struct {
	validator *protocol.Validator
	store     replay.Store

	queue chan *task
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts the workers immediately.
func New(validator *protocol.Validator, store replay.Store, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 16
	}
	p := &Pool{
		validator: validator,
		store:     store,
		queue:     make(chan *task, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Verify admits one envelope, blocking until a worker returns the verdict
// or ctx is done. On success the decoded envelope is returned; on failure
// the error carries a wire code (envelope-malformed,
// envelope-signature-invalid, envelope-key-mismatch, nonce-reused,
// ts-out-of-window).
func (p *Pool) Verify(ctx context.Context, job Job) (*protocol.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &task{job: job, done: make(chan verdict, 1)}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrClosed
	}
	select {
	case p.queue <- t:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}
	metrics.Envelope().SetPoolQueueDepth(len(p.queue))
	select {
	case v := <-t.done:
		return v.env, v.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting jobs and waits for in-flight ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		start := time.Now()
		env, err := p.verify(t.job)
		label := t.job.InnerType
		if label == "" {
			label = "envelope"
		}
		metrics.Envelope().ObservePoolTask(label, time.Since(start).Seconds())
		metrics.Envelope().SetPoolQueueDepth(len(p.queue))
		t.done <- verdict{env: env, err: err}
	}
}

func (p *Pool) verify(job Job) (*protocol.Envelope, error) {
	if res := p.validator.ValidateEnvelope(job.Raw, job.InnerType); !res.OK {
		wireType := job.InnerType
		if wireType == "" {
			wireType = "envelope"
		}
		metrics.Envelope().ObserveValidationError(wireType)
		return nil, protocol.NewWireError(protocol.CodeEnvelopeMalformed, strings.Join(res.Errors, "; "))
	}
	var env protocol.Envelope
	if err := json.Unmarshal(job.Raw, &env); err != nil {
		return nil, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "decode envelope: %v", err)
	}
	if !env.Verify() {
		metrics.Envelope().ObserveVerification(env.Scheme(), "invalid")
		return nil, protocol.NewWireError(protocol.CodeEnvelopeSignatureInvalid, "signature does not verify for key %s", env.KeyID)
	}
	metrics.Envelope().ObserveVerification(env.Scheme(), "ok")
	if job.WantKeyID != "" && env.KeyID != job.WantKeyID {
		return nil, protocol.NewWireError(protocol.CodeEnvelopeKeyMismatch, "envelope signed by %s, expected %s", env.KeyID, job.WantKeyID)
	}
	if job.SkipReplay {
		return &env, nil
	}
	if err := p.store.CheckAndStore(env.KeyID, env.Nonce, time.UnixMilli(env.TS)); err != nil {
		switch {
		case errors.Is(err, replay.ErrStale):
			metrics.Envelope().ObserveReplayRejection("stale")
			return nil, protocol.NewWireError(protocol.CodeTSOutOfWindow, "ts %d outside acceptance window", env.TS)
		case errors.Is(err, replay.ErrReplayed):
			metrics.Envelope().ObserveReplayRejection("replayed")
			return nil, protocol.NewWireError(protocol.CodeNonceReused, "nonce %s already seen for key %s", env.Nonce, env.KeyID)
		case errors.Is(err, replay.ErrMalformed):
			return nil, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "missing nonce or keyId")
		default:
			return nil, protocol.NewWireError(protocol.CodeInternal, "replay store: %v", err)
		}
	}
	return &env, nil
}
