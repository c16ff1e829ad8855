package processes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	readyMarker = "READY"
	// exitGracePeriod bounds how long Collect waits for the exit status
	// after stdout reaches EOF.
	exitGracePeriod = 250 * time.Millisecond
	// maxBufferedOutput caps uncollected stdout per instance.
	maxBufferedOutput = 16 << 20
)

// outputStream holds stdout read from an instance until it is collected.
type outputStream struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	dropped int
	err     error
	done    chan struct{} // closed at EOF
}

func newOutputStream() *outputStream {
	return &outputStream{done: make(chan struct{})}
}

// write appends p, dropping the oldest bytes past maxBufferedOutput.
func (s *outputStream) write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(p)
	if over := s.buf.Len() - maxBufferedOutput; over > 0 {
		s.buf.Next(over)
		s.dropped += over
	}
}

func (s *outputStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// take returns and clears everything buffered so far.
func (s *outputStream) take() (data []byte, dropped int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data = bytes.Clone(s.buf.Bytes())
	dropped, err = s.dropped, s.err
	s.buf.Reset()
	s.dropped = 0
	return data, dropped, err
}

// readyScanner finds the first line that is exactly READY, with an optional
// trailing CR. Only the head of the current line is kept.
type readyScanner struct {
	line  []byte
	long  bool
	found bool
}

// feed reports whether p completes the READY line.
func (s *readyScanner) feed(p []byte) bool {
	if s.found {
		return false
	}
	for {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			s.add(p)
			return false
		}
		s.add(p[:i])
		if s.match() {
			s.found = true
			return true
		}
		s.line, s.long = s.line[:0], false
		p = p[i+1:]
	}
}

// flush checks the unterminated last line at EOF.
func (s *readyScanner) flush() bool {
	if s.found || !s.match() {
		return false
	}
	s.found = true
	return true
}

func (s *readyScanner) add(p []byte) {
	if s.long {
		return
	}
	if len(s.line)+len(p) > len(readyMarker)+1 {
		s.long = true
		return
	}
	s.line = append(s.line, p...)
}

func (s *readyScanner) match() bool {
	return !s.long && string(bytes.TrimSuffix(s.line, []byte("\r"))) == readyMarker
}

// streamStdout buffers the instance's stdout for Collect and stamps its job
// record as soon as the READY line arrives.
func (o *Orchestrator) streamStdout(name string, handle Handle, out *outputStream) {
	defer o.streams.Done()
	var (
		scan  readyScanner
		chunk = make([]byte, 32*1024)
		r     = handle.Output()
	)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			out.write(chunk[:n])
			if scan.feed(chunk[:n]) {
				o.readyObserved(name, handle, time.Now())
			}
		}
		if err != nil {
			if scan.flush() {
				o.readyObserved(name, handle, time.Now())
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				err = nil
			}
			out.finish(err)
			return
		}
	}
}

// readyObserved stamps the job record of the instance started as handle.
// READY precedes the exit, so the stamp is capped at the exit time.
func (o *Orchestrator) readyObserved(name string, handle Handle, at time.Time) {
	if st, ok := handle.TryWait(); ok && !st.ExitedAt.IsZero() && st.ExitedAt.Before(at) {
		at = st.ExitedAt
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, j := range o.jobs {
		if j.Name == name && j.PID == handle.PID() {
			stampReady(j, at)
			return
		}
	}
}

// Collect waits for the instance's stdout to reach EOF and reports the output
// buffered since spawn (or since the previous collect) with its timings. The
// table lock is not held while waiting. If ctx ends first the output buffered
// so far is returned with ctx.Err().
func (o *Orchestrator) Collect(ctx context.Context, name string) (JobResult, error) {
	result := emptyResult(name)

	inst, handle, err := o.lookup(name)
	if err != nil {
		return result, err
	}
	if handle == nil || inst.stdout == nil {
		return result, fmt.Errorf("%w: %s", ErrNoOutput, name)
	}
	out := inst.stdout

	select {
	case inst.collectSem <- struct{}{}:
	case <-ctx.Done():
		return result, ctx.Err()
	}

	start := time.Now()
	var cancelled error
	select {
	case <-out.done:
	case <-ctx.Done():
		cancelled = ctx.Err()
	}
	output, dropped, readErr := out.take()
	<-inst.collectSem
	o.metrics.collected(time.Since(start))

	if readErr != nil && cancelled == nil {
		o.logger.Warn("Error reading instance output", "instance", name, "error", readErr)
	}
	if dropped > 0 {
		o.logger.Warn("Instance output exceeded the buffer, oldest bytes dropped", "instance", name, "dropped", dropped)
	}

	var (
		status ExitStatus
		exited bool
	)
	if cancelled == nil {
		graceCtx, cancel := context.WithTimeout(ctx, exitGracePeriod)
		status, err = handle.Wait(graceCtx)
		cancel()
		exited = err == nil
	} else {
		status, exited = handle.TryWait()
	}

	var notices []exitNotice
	o.mu.Lock()
	if exited && inst.running {
		notices = append(notices, o.markExitedLocked(inst, status))
	}
	if !inst.running {
		exited = true
		status = inst.exit
	}
	if job := o.jobLocked(inst); job != nil {
		var total time.Duration
		if exited {
			total = status.ExitedAt.Sub(job.StartTime)
			result.TotalSeconds = total.Seconds()
		}
		if job.StartupCaptured {
			startup := job.StartupLatency
			if exited {
				startup = min(startup, total)
			}
			result.StartupSeconds = startup.Seconds()
		}
	}
	o.mu.Unlock()
	o.publishExits(notices)

	result.Output = string(output)
	if inst.logs != nil {
		result.Stderr = inst.logs.Text()
	}
	if exited {
		result.ExitCode = status.Code
	}
	return result, cancelled
}

// Invoke writes input to the instance's stdin, optionally closes it, and then
// collects the output.
func (o *Orchestrator) Invoke(ctx context.Context, name string, input []byte, closeInput bool) (JobResult, error) {
	_, handle, err := o.lookup(name)
	if err != nil {
		return emptyResult(name), err
	}
	if handle == nil || handle.Input() == nil {
		return emptyResult(name), fmt.Errorf("%w: %s has no input stream", ErrNoOutput, name)
	}

	w := handle.Input()
	if wd, ok := w.(writeDeadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			wd.SetWriteDeadline(deadline)
			defer wd.SetWriteDeadline(time.Time{})
		}
	}
	if len(input) > 0 {
		if _, err := w.Write(input); err != nil {
			return emptyResult(name), fmt.Errorf("failed to write input to %s: %w", name, err)
		}
	}
	if closeInput {
		if err := handle.CloseInput(); err != nil {
			return emptyResult(name), fmt.Errorf("failed to close input of %s: %w", name, err)
		}
	}
	return o.Collect(ctx, name)
}
