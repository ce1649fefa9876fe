package downloader

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cognusion/go-timings"
	"go.uber.org/atomic"
)

// TaskResult is the terminal outcome of a Task's do().
type TaskResult int

const (
	// TaskSuccess means the task wrote every byte in its interval.
	TaskSuccess TaskResult = iota
	// TaskStopped means the task was asked to stop and exited between chunks.
	TaskStopped
)

func (r TaskResult) String() string {
	switch r {
	case TaskSuccess:
		return "success"
	case TaskStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TaskOptions bundles the construction-time inputs for a Task.
type TaskOptions struct {
	Client Client
	URL    string

	// Start and End bound the task's byte interval, inclusive at both ends.
	Start int64
	End   int64
	// CompletedBytes is how much of the interval a prior run already wrote
	// to the chunk file; streaming resumes at Start+CompletedBytes.
	CompletedBytes int64
	// TotalBytes is the whole file's Content-Length.
	TotalBytes int64

	Headers http.Header
	Cookies []*http.Cookie

	// OnFinished receives the number of bytes written during Do. It runs on
	// the worker's goroutine and must not take Serial's table lock.
	OnFinished func(writtenCount int64)

	DebugOut   *log.Logger
	TimingsOut *log.Logger
}

// Task is the in-flight executor for one segment: one HTTP range GET, one
// chunk file writer. A Task is owned by whichever worker is currently
// running its Do(); hand-off back to Serial happens only through OnFinished.
type Task struct {
	ctx        context.Context
	url        string
	totalBytes int64
	headers    http.Header
	cookies    []*http.Cookie
	onFinished func(writtenCount int64)
	client     Client

	// endMu guards start, end, offset, and holdOffset. It is never held
	// across a network or disk call.
	endMu      sync.Mutex
	start      int64
	end        int64
	offset     int64
	holdOffset int64

	stopped          atomic.Bool
	disableUpdateEnd atomic.Bool

	knownMu     sync.Mutex
	known       bool
	knownCond   *sync.Cond
	canUseRange bool

	debugOut   *log.Logger
	timingsOut *log.Logger
}

// NewTask constructs a Task covering [opts.Start, opts.End].
func NewTask(ctx context.Context, opts TaskOptions) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	debugOut, timingsOut := opts.DebugOut, opts.TimingsOut
	if debugOut == nil {
		debugOut = log.New(io.Discard, "", 0)
	}
	if timingsOut == nil {
		timingsOut = log.New(io.Discard, "", 0)
	}
	t := &Task{
		ctx:        ctx,
		url:        opts.URL,
		client:     opts.Client,
		totalBytes: opts.TotalBytes,
		headers:    opts.Headers,
		cookies:    opts.Cookies,
		onFinished: opts.OnFinished,
		start:      opts.Start,
		end:        opts.End,
		offset:     opts.Start + opts.CompletedBytes,
		holdOffset: opts.Start - 1,
		debugOut:   debugOut,
		timingsOut: timingsOut,
	}
	t.knownCond = sync.NewCond(&t.knownMu)
	return t
}

// Start returns the task's starting offset. It only ever changes through
// RebaseToFullFile.
func (t *Task) Start() int64 {
	t.endMu.Lock()
	defer t.endMu.Unlock()
	return t.start
}

// End returns the task's current end offset, which may shrink via UpdateEnd.
func (t *Task) End() int64 {
	t.endMu.Lock()
	defer t.endMu.Unlock()
	return t.end
}

// CompletedLength returns how far into its interval the task has written.
func (t *Task) CompletedLength() int64 {
	t.endMu.Lock()
	defer t.endMu.Unlock()
	return t.offset - t.start
}

// MustUseRange reports whether this task cannot tolerate a full-body (200)
// response: either its next byte isn't byte zero of the file, or it doesn't
// run to the file's last byte.
func (t *Task) MustUseRange() bool {
	t.endMu.Lock()
	defer t.endMu.Unlock()
	return t.offset > 0 || t.end < t.totalBytes-1
}

// Stop requests cooperative cancellation; the task exits at its next chunk
// boundary and returns TaskStopped.
func (t *Task) Stop() {
	t.stopped.Store(true)
}

// UpdateEnd proposes a new end for the task, used by Serial's split. The
// effective new end can never fall below holdOffset — the highest byte the
// task has already captured from the network but may not yet have written —
// which is the fence that keeps a split from racing an in-flight write. A
// task promoted to full-file mode refuses the proposal outright.
func (t *Task) UpdateEnd(proposedEnd int64) int64 {
	t.endMu.Lock()
	defer t.endMu.Unlock()
	if t.disableUpdateEnd.Load() {
		return t.end
	}
	if proposedEnd < t.holdOffset {
		proposedEnd = t.holdOffset
	}
	t.end = proposedEnd
	return t.end
}

// PromiseIsFullTask atomically checks that this task already runs to the
// file's last byte, and if so latches it into full-file mode (disabling any
// further UpdateEnd shrink), used during transform-to-full-file recovery.
func (t *Task) PromiseIsFullTask() bool {
	t.endMu.Lock()
	defer t.endMu.Unlock()
	if t.end != t.totalBytes-1 {
		return false
	}
	t.disableUpdateEnd.Store(true)
	return true
}

// RebaseToFullFile re-homes a just-promoted task onto byte zero of the
// target file: used only by Serial's TransformToFullFileDownloading, and
// only on a task that has not yet written anything (see that method's doc
// comment for the guards making this safe).
func (t *Task) RebaseToFullFile(contentLength int64) {
	t.endMu.Lock()
	defer t.endMu.Unlock()
	t.start = 0
	t.offset = 0
	t.holdOffset = -1
	t.end = contentLength - 1
	t.disableUpdateEnd.Store(true)
}

// KnowCanUseRange reports whether the range-capability discovery latch has
// fired yet (without blocking).
func (t *Task) KnowCanUseRange() bool {
	t.knownMu.Lock()
	defer t.knownMu.Unlock()
	return t.known
}

// RangeCapability returns the current state of the discovery latch without
// blocking: whether it has fired yet, and if so, what it found.
func (t *Task) RangeCapability() (known, canUseRange bool) {
	t.knownMu.Lock()
	defer t.knownMu.Unlock()
	return t.known, t.canUseRange
}

// CheckCanUseRange blocks until the task's GET response has been received
// (or the task finished without ever issuing one), then reports whether the
// origin actually honoured the range request. Serial's dispatch uses this as
// the split probe: an idle worker parks here until the busy task learns
// whether splitting it is worthwhile.
func (t *Task) CheckCanUseRange() bool {
	t.knownMu.Lock()
	defer t.knownMu.Unlock()
	for !t.known {
		t.knownCond.Wait()
	}
	return t.canUseRange
}

func (t *Task) setKnown(canUseRange bool) {
	t.knownMu.Lock()
	if !t.known {
		t.known = true
		t.canUseRange = canUseRange
	}
	t.knownMu.Unlock()
	t.knownCond.Broadcast()
}

// Do runs the task's HTTP range GET and chunked write loop, writing into
// file starting at the task's current offset, and returns once the task's
// interval is exhausted, it is stopped, or an error occurs. assertCanUseRange
// is set by Serial when a task is born from a split of an already
// range-proven parent, letting this task skip its own discovery.
func (t *Task) Do(file *os.File, chunkSize int64, assertCanUseRange bool) (result TaskResult, err error) {
	defer timings.Track(fmt.Sprintf("task %d-%d", t.Start(), t.End()), time.Now(), t.timingsOut)

	var writtenCount int64
	defer func() {
		if t.onFinished != nil {
			t.onFinished(writtenCount)
		}
		// Unblock any split probe waiting on CheckCanUseRange even if the
		// request died before the response headers came back.
		t.setKnown(false)
	}()

	if assertCanUseRange {
		t.setKnown(true)
	}

	req, rerr := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url, nil)
	if rerr != nil {
		return result, transportErrorf("building range request: %w", rerr)
	}
	for k, vs := range t.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, c := range t.cookies {
		req.AddCookie(c)
	}

	// Snapshot the interval the request is actually for. Verification below
	// must compare against this snapshot, not the live fields: a concurrent
	// split (or full-file rebase) may move end/offset while the request is
	// in flight.
	t.endMu.Lock()
	reqOffset, reqEnd := t.offset, t.end
	t.endMu.Unlock()
	rangeHeader := fmt.Sprintf("bytes=%d-%d", reqOffset, reqEnd)
	req.Header.Set("Range", rangeHeader)

	resp, derr := t.client.Do(req)
	if derr != nil {
		return result, transportErrorf("range GET %s: %w", rangeHeader, derr)
	}
	defer resp.Body.Close()

	canUseRange := verifyRangeResponse(resp, reqOffset, reqEnd, t.totalBytes)
	t.setKnown(canUseRange)

	// Re-read must-use-range now that the response is in: a full-file
	// promotion may have rebased this task onto byte zero while it was
	// blocked on headers, in which case a 200 full body is exactly what it
	// wants.
	if !canUseRange && t.MustUseRange() {
		t.debugOut.Printf("range unsupported for %s: %s (status %d)\n", rangeHeader, t.url, resp.StatusCode)
		return result, rangeUnsupportedErrorf("origin did not honour Range: %s (status %d)", rangeHeader, resp.StatusCode)
	}

	result, err = t.writeLoop(resp.Body, file, chunkSize, &writtenCount)
	t.debugOut.Printf("task %s finished: %s, %d bytes\n", rangeHeader, result, writtenCount)
	return result, err
}

// verifyRangeResponse confirms a 206 response actually covers the requested
// [offset, end]: both Content-Range and Content-Length must match exactly,
// with Content-Length checked against the interval's size, not the full file.
func verifyRangeResponse(resp *http.Response, offset, end, totalBytes int64) bool {
	if resp.StatusCode != http.StatusPartialContent {
		return false
	}
	wantRange := fmt.Sprintf("bytes %d-%d/%d", offset, end, totalBytes)
	wantLength := fmt.Sprintf("%d", end-offset+1)

	if resp.Header.Get("Content-Range") != wantRange {
		return false
	}
	if resp.Header.Get("Content-Length") != wantLength {
		return false
	}
	return true
}

func (t *Task) writeLoop(body io.Reader, file *os.File, chunkSize int64, writtenCount *int64) (TaskResult, error) {
	buf := make([]byte, chunkSize)
	for {
		if t.stopped.Load() {
			if ferr := file.Sync(); ferr != nil {
				return TaskStopped, filesystemErrorf("flushing chunk file: %w", ferr)
			}
			return TaskStopped, nil
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			t.endMu.Lock()
			beginOffset := t.offset
			tentativeEnd := beginOffset + int64(n) - 1
			endOffset := t.end
			if tentativeEnd < endOffset {
				endOffset = tentativeEnd
			}
			t.holdOffset = endOffset
			isLast := endOffset >= t.end
			t.endMu.Unlock()

			written := endOffset - beginOffset + 1
			if written <= 0 {
				if ferr := file.Sync(); ferr != nil {
					return TaskSuccess, filesystemErrorf("flushing chunk file: %w", ferr)
				}
				return TaskSuccess, nil
			}

			toWrite := buf[:n]
			if written < int64(n) {
				toWrite = buf[:written]
			}
			if _, werr := file.Write(toWrite); werr != nil {
				return TaskSuccess, filesystemErrorf("writing chunk at offset %d: %w", beginOffset, werr)
			}

			*writtenCount += written
			t.endMu.Lock()
			t.offset = endOffset + 1
			t.endMu.Unlock()

			if isLast {
				if ferr := file.Sync(); ferr != nil {
					return TaskSuccess, filesystemErrorf("flushing chunk file: %w", ferr)
				}
				return TaskSuccess, nil
			}
		}

		if rerr != nil {
			if rerr == io.EOF {
				if ferr := file.Sync(); ferr != nil {
					return TaskSuccess, filesystemErrorf("flushing chunk file: %w", ferr)
				}
				return TaskSuccess, nil
			}
			return TaskSuccess, transportErrorf("reading range body: %w", rerr)
		}
	}
}
