package downloader

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cognusion/go-timings"
	"github.com/cognusion/semaphore"
	"go.uber.org/atomic"
)

const defaultStepSize = 8192

// Options bundles every caller-supplied input to Download.
type Options struct {
	URL        string
	BufferPath string

	Timeout    time.Duration
	RetryTimes int
	RetrySleep time.Duration

	MinTaskLength int64
	ThreadsCount  int

	Headers http.Header
	Cookies []*http.Cookie

	// Hash, if set, is fed every final byte of the merged output.
	Hash hash.Hash

	// DebugOut and TimingsOut are an optional logger pair; both default
	// to io.Discard when left nil.
	DebugOut   *log.Logger
	TimingsOut *log.Logger
}

// inProcessLocks serializes concurrent Download calls for the same target
// path within this process. Cross-process ownership of a buffer directory
// is out of scope; this is a best-effort, same-process guard only.
var (
	inProcessLocksMu sync.Mutex
	inProcessLocks   = map[string]*semaphore.Semaphore{}
)

func acquireTargetLock(path string) *semaphore.Semaphore {
	inProcessLocksMu.Lock()
	sem, ok := inProcessLocks[path]
	if !ok {
		newSem := semaphore.NewSemaphore(1)
		sem = &newSem
		inProcessLocks[path] = sem
	}
	inProcessLocksMu.Unlock()

	sem.Lock()
	return sem
}

// Download fetches opts.URL into opts.BufferPath using as many parallel
// range segments as opts.ThreadsCount allows, resuming from whatever chunk
// files are already on disk, and returns the absolute path of the merged
// file. If the target already exists, Download is a no-op that returns its
// path without issuing any HTTP requests.
func Download(opts Options) (string, error) {
	return DownloadContext(context.Background(), opts)
}

// DownloadContext is Download with caller-controlled cancellation: when ctx
// is cancelled, every in-flight task is stopped, workers retire, chunk files
// stay on disk for the next run, and ErrCancelled is returned.
func DownloadContext(ctx context.Context, opts Options) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.ThreadsCount < 1 {
		opts.ThreadsCount = 1
	}
	if opts.MinTaskLength <= 1 {
		opts.MinTaskLength = 2
	}
	debugOut, timingsOut := opts.DebugOut, opts.TimingsOut

	name := urlHash(opts.URL)
	ext := extFromURL(opts.URL)
	targetPath, err := filepath.Abs(filepath.Join(opts.BufferPath, targetFileName(name, ext)))
	if err != nil {
		return "", filesystemErrorf("resolving target path: %w", err)
	}

	if _, err := os.Stat(targetPath); err == nil {
		return targetPath, nil
	} else if !os.IsNotExist(err) {
		return "", filesystemErrorf("statting target file: %w", err)
	}

	sem := acquireTargetLock(targetPath)
	defer sem.Unlock()

	// Re-check now that we hold the in-process lock: another goroutine may
	// have just finished downloading this exact target.
	if _, err := os.Stat(targetPath); err == nil {
		return targetPath, nil
	}

	client := NewRetryDo(opts.RetryTimes, opts.RetrySleep, opts.Timeout)

	serial, err := NewSerial(ctx, NewSerialOptions{
		URL:           opts.URL,
		BufferPath:    opts.BufferPath,
		Client:        client,
		Headers:       opts.Headers,
		Cookies:       opts.Cookies,
		MinTaskLength: opts.MinTaskLength,
		DebugOut:      debugOut,
		TimingsOut:    timingsOut,
	})
	if err != nil {
		return "", err
	}
	defer timings.Track(fmt.Sprintf("[%s] download", serial.dlid), time.Now(), serial.timingsOut)

	if err := serial.LoadBuffer(); err != nil {
		return "", err
	}

	if err := runWorkers(ctx, serial, opts.ThreadsCount, debugOut); err != nil {
		return "", err
	}

	if err := Merge(serial, targetPath, opts.Hash); err != nil {
		if _, statErr := os.Stat(targetPath); statErr == nil {
			os.Remove(targetPath)
		}
		return "", err
	}
	if err := SweepChunkFiles(serial); err != nil {
		return "", err
	}
	return targetPath, nil
}

// runWorkers spawns threadsCount workers, each pulling tasks from serial
// until it reports no work, stops everything on the first failure (after
// giving the origin a chance to recover via full-file promotion), and
// drains the event stream so every worker retires cleanly before returning.
func runWorkers(ctx context.Context, serial *Serial, threadsCount int, debugOut *log.Logger) error {
	if debugOut == nil {
		debugOut = log.New(io.Discard, "", 0)
	}

	// draining latches once a terminal failure (or cancellation) has been
	// memoised; workers exit at their next loop turn instead of claiming
	// fresh tasks off the table.
	var draining atomic.Bool

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			draining.Store(true)
			serial.StopTasks()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	events := Execute(threadsCount, func(_ int, send func(payload any)) error {
		for {
			if draining.Load() || ctx.Err() != nil {
				return nil
			}
			task := serial.GetTask()
			if task == nil {
				return nil
			}

			file, err := openChunkFile(serial, task)
			if err != nil {
				send(err)
				return err
			}

			_, doErr := task.Do(file, defaultStepSize, task.KnowCanUseRange())
			file.Close()

			if doErr != nil {
				send(doErr)
				if isRangeUnsupported(doErr) {
					// The driver rebuilds the table for full-file mode; stay
					// alive to claim the replacement segment.
					continue
				}
				return doErr
			}
			// TaskStopped without an error means the table was reshaped
			// underneath us (a full-file transform stopped this task); a
			// split to nothing ends as TaskSuccess. Either way, loop and ask
			// for more work — draining gates a real shutdown.
		}
	})

	var firstErr error
	for ev := range events {
		if ev.finished {
			if ev.err != nil {
				debugOut.Printf("worker exited with error: %v\n", ev.err)
			}
			continue
		}
		payloadErr, _ := ev.payload.(error)
		if payloadErr == nil {
			continue
		}

		if isRangeUnsupported(payloadErr) {
			if firstErr == nil {
				if recErr := serial.TransformToFullFileDownloading(); recErr != nil {
					firstErr = recErr
					draining.Store(true)
					serial.StopTasks()
				}
			}
			continue
		}

		if firstErr != nil {
			continue // already draining on the first failure
		}
		firstErr = payloadErr
		draining.Store(true)
		serial.StopTasks()
	}

	if ctx.Err() != nil {
		return cancelledErrorf("download of %s interrupted: %w", serial.url, ctx.Err())
	}
	return firstErr
}

// openChunkFile opens the append-mode chunk file backing task's segment.
// Append mode is what makes resume work: the task only ever writes bytes
// past what a previous run left in the file. The open is re-run if a
// full-file promotion rebased the task between path resolution and open,
// since the rebase renames the chunk out from under the stale path.
func openChunkFile(serial *Serial, task *Task) (*os.File, error) {
	for {
		start := task.Start()
		path := serial.ChunkFilePath(start)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, filesystemErrorf("opening chunk file %q: %w", path, err)
		}
		if task.Start() == start {
			return file, nil
		}
		file.Close()
		os.Remove(path)
	}
}

func isRangeUnsupported(err error) bool {
	return err != nil && errors.Is(err, ErrRangeUnsupported)
}
