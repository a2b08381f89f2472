package sandbox

import (
	"bytes"
	"sync"
)

// boundedBuffer keeps at most limit bytes and remembers whether anything was
// dropped. Writes always report full success so the producer is never
// stalled by the cap.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	originalLen := len(p)
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		if originalLen > 0 {
			b.truncated = true
		}
		return originalLen, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
		b.truncated = true
	}
	b.buf.Write(p)
	return originalLen, nil
}

// snapshot returns the captured bytes and the truncation flag.
func (b *boundedBuffer) snapshot() (string, bool) {
	if b == nil {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String(), b.truncated
}

// rawResult is what the supervisor hands to the collector.
type rawResult struct {
	state        State
	exitCode     int
	stdout       *boundedBuffer
	stderr       *boundedBuffer
	provisionErr *ProvisioningError
	err          error
	failReason   string
}

// collect classifies a raw result into the caller-facing Outcome. Elapsed is
// filled in by the engine when teardown starts.
func collect(raw rawResult) Outcome {
	var out Outcome
	out.Stdout, out.StdoutTruncated = raw.stdout.snapshot()
	out.Stderr, out.StderrTruncated = raw.stderr.snapshot()

	switch {
	case raw.provisionErr != nil:
		out.Kind = KindProvisioningFailed
		out.Reason = string(raw.provisionErr.Reason)
	case raw.state == StateTimedOut:
		out.Kind = KindTimeout
		out.Partial = true
	case raw.state == StateResourceKilled:
		out.Kind = KindResourceKilled
		out.Partial = true
	case raw.state == StateCompleting:
		code := raw.exitCode
		out.ExitCode = &code
		if code == 0 {
			out.Kind = KindSuccess
		} else {
			out.Kind = KindNonZeroExit
		}
	default:
		out.Kind = KindFailed
		out.Partial = true
		out.Reason = raw.failReason
		if out.Reason == "" {
			out.Reason = FailInternal
		}
	}

	return out
}
