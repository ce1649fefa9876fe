package downloader

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cognusion/go-sequence"
	"github.com/cognusion/go-timings"
)

var dlSeq = sequence.New(0)

// SerialMeta is the immutable-after-fetch metadata learned from the origin's
// HEAD response.
type SerialMeta struct {
	ContentLength   int64
	ETag            string
	MetaEnableRange bool
}

// Serial is the per-URL coordinator: it owns the segment table for one URL,
// hands Tasks to workers via GetTask, and reconciles split/promotion
// requests against the table. A Serial is not safe for use by more than one
// Download invocation at a time; ownership of a buffer directory is
// single-process only.
type Serial struct {
	ctx        context.Context
	url        string
	name       string // sha256(url), also the chunk-file/target-file stem
	ext        string
	bufferPath string

	client        Client
	headers       http.Header
	cookies       []*http.Cookie
	minTaskLength int64

	meta SerialMeta

	tableMu  sync.Mutex
	segments []*segment

	dlid       string
	debugOut   *log.Logger
	timingsOut *log.Logger
}

// NewSerialOptions bundles the construction-time inputs for a Serial.
type NewSerialOptions struct {
	URL           string
	BufferPath    string
	Client        Client
	Headers       http.Header
	Cookies       []*http.Cookie
	MinTaskLength int64
	DebugOut      *log.Logger
	TimingsOut    *log.Logger
}

// NewSerial issues the HEAD request and constructs a Serial. The segment
// table itself is empty until LoadBuffer is called.
func NewSerial(ctx context.Context, opts NewSerialOptions) (*Serial, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.MinTaskLength <= 1 {
		return nil, fmt.Errorf("min task length must be > 1, got %d", opts.MinTaskLength)
	}
	debugOut, timingsOut := opts.DebugOut, opts.TimingsOut
	if debugOut == nil {
		debugOut = log.New(io.Discard, "", 0)
	}
	if timingsOut == nil {
		timingsOut = log.New(io.Discard, "", 0)
	}

	s := &Serial{
		ctx:           ctx,
		url:           opts.URL,
		name:          urlHash(opts.URL),
		ext:           extFromURL(opts.URL),
		bufferPath:    opts.BufferPath,
		client:        opts.Client,
		headers:       opts.Headers,
		cookies:       opts.Cookies,
		minTaskLength: opts.MinTaskLength,
		dlid:          dlSeq.NextHashID(),
		debugOut:      debugOut,
		timingsOut:    timingsOut,
	}

	meta, err := s.fetchMeta()
	if err != nil {
		return nil, err
	}
	s.meta = meta
	return s, nil
}

// ContentLength returns the origin's reported length for the whole file.
func (s *Serial) ContentLength() int64 { return s.meta.ContentLength }

// ETag returns the origin's ETag, if any.
func (s *Serial) ETag() string { return s.meta.ETag }

// ChunkFileName returns the on-disk chunk file name for a segment starting
// at offset.
func (s *Serial) ChunkFileName(offset int64) string {
	return chunkFileName(s.name, s.ext, offset)
}

// ChunkFilePath joins ChunkFileName with the buffer directory.
func (s *Serial) ChunkFilePath(offset int64) string {
	return filepath.Join(s.bufferPath, s.ChunkFileName(offset))
}

// TargetFileName returns the final merged file's name.
func (s *Serial) TargetFileName() string {
	return targetFileName(s.name, s.ext)
}

// FileOffsets returns the live segment table's offsets, in order.
func (s *Serial) FileOffsets() []int64 {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	offsets := make([]int64, len(s.segments))
	for i, seg := range s.segments {
		offsets[i] = seg.offset
	}
	return offsets
}

func (s *Serial) fetchMeta() (SerialMeta, error) {
	defer timings.Track(fmt.Sprintf("[%s] HEAD", s.dlid), time.Now(), s.timingsOut)

	req, err := http.NewRequestWithContext(s.ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return SerialMeta{}, metadataErrorf("building HEAD request: %w", err)
	}
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, c := range s.cookies {
		req.AddCookie(c)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return SerialMeta{}, metadataErrorf("HEAD %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	cl := resp.Header.Get("Content-Length")
	if cl == "" {
		return SerialMeta{}, metadataErrorf("HEAD %s: missing Content-Length", s.url)
	}
	contentLength, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return SerialMeta{}, metadataErrorf("HEAD %s: non-numeric Content-Length %q: %w", s.url, cl, err)
	}
	if contentLength <= 0 {
		return SerialMeta{}, metadataErrorf("HEAD %s: Content-Length %d leaves nothing to download", s.url, contentLength)
	}

	return SerialMeta{
		ContentLength:   contentLength,
		ETag:            resp.Header.Get("ETag"),
		MetaEnableRange: resp.Header.Get("Accept-Ranges") == "bytes",
	}, nil
}

// LoadBuffer reconstructs the segment table from whatever chunk files
// already sit in the buffer directory (resume), or installs a single fresh
// segment if there's nothing to resume from.
func (s *Serial) LoadBuffer() error {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	offsets, err := scanChunkOffsets(s.bufferPath, s.name, s.ext)
	if err != nil {
		return err
	}

	if s.meta.MetaEnableRange {
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		for _, offset := range offsets {
			info, err := os.Stat(s.ChunkFilePath(offset))
			if err != nil {
				return filesystemErrorf("statting chunk file for offset %d: %w", offset, err)
			}
			s.segments = append(s.segments, &segment{
				offset:          offset,
				completedLength: info.Size(),
				targetLength:    0, // placeholder, fixed up below
			})
		}
		for i, seg := range s.segments {
			if i < len(s.segments)-1 {
				seg.targetLength = s.segments[i+1].offset - seg.offset
			} else {
				seg.targetLength = s.meta.ContentLength - seg.offset
			}
		}
	} else {
		// Resumption is meaningless without ranges: the origin will just
		// hand back the whole body again from byte zero.
		for _, offset := range offsets {
			if err := os.Remove(s.ChunkFilePath(offset)); err != nil && !os.IsNotExist(err) {
				return filesystemErrorf("removing stale chunk file for offset %d: %w", offset, err)
			}
		}
	}

	if len(s.segments) == 0 {
		s.segments = append(s.segments, s.freshFullFileSegmentLocked())
	}
	return nil
}

func (s *Serial) freshFullFileSegmentLocked() *segment {
	return &segment{
		offset:       0,
		targetLength: s.meta.ContentLength,
	}
}

// StopTasks signals every live task's stop flag. It does not clear a
// segment's task slot; the task's own on-finished handler does that once it
// has captured its final byte count.
func (s *Serial) StopTasks() {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	for _, seg := range s.segments {
		seg.mu.Lock()
		task := seg.task
		seg.mu.Unlock()
		if task != nil {
			task.Stop()
		}
	}
}

// GetTask hands a worker its next unit of work, or nil if there's nothing
// left to claim (the caller should exit). When the only viable candidate is
// a busy segment whose task hasn't learned yet whether the origin honours
// ranges, GetTask parks on that task's discovery latch and then re-runs
// selection, so idle workers stay available for the split that usually
// follows instead of exiting early.
func (s *Serial) GetTask() *Task {
	for {
		s.tableMu.Lock()

		if !s.meta.MetaEnableRange {
			seg := s.noRangeSegmentLocked()
			var task *Task
			if seg != nil {
				task = s.assignLocked(seg, false)
			}
			s.tableMu.Unlock()
			return task
		}

		seg, probe, assertCanUseRange := s.selectOrSplitLocked()
		if seg != nil {
			task := s.assignLocked(seg, assertCanUseRange)
			s.tableMu.Unlock()
			return task
		}
		s.tableMu.Unlock()

		if probe == nil {
			return nil
		}
		probe.CheckCanUseRange()
	}
}

// assignLocked builds a Task for seg and installs it in the segment's task
// slot. Callers must hold the table lock; seg's own lock is taken here.
func (s *Serial) assignLocked(seg *segment, assertCanUseRange bool) *Task {
	seg.mu.Lock()
	defer seg.mu.Unlock()

	task := NewTask(s.ctx, TaskOptions{
		Client:         s.client,
		URL:            s.url,
		Start:          seg.offset,
		End:            seg.offset + seg.targetLength - 1,
		CompletedBytes: seg.completedLength,
		TotalBytes:     s.meta.ContentLength,
		Headers:        s.headers,
		Cookies:        s.cookies,
		OnFinished:     func(writtenCount int64) { s.onTaskFinished(seg, writtenCount) },
		DebugOut:       s.debugOut,
		TimingsOut:     s.timingsOut,
	})
	if assertCanUseRange {
		task.setKnown(true)
	}
	seg.task = task
	return task
}

func (s *Serial) noRangeSegmentLocked() *segment {
	seg := s.segments[0]
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if seg.task != nil {
		return nil // single-stream mode: only one worker may be active
	}
	if seg.completedLength >= seg.targetLength {
		return nil
	}
	return seg
}

// selectOrSplitLocked picks the best free or splittable segment. It returns
// either a segment ready to be assigned (with assertCanUseRange reporting
// whether its task may skip range-capability discovery, true for the tail
// of a split of a proven parent), or a probe task whose capability is still
// unknown that the caller should block on before retrying, or neither when
// there is genuinely no work left.
func (s *Serial) selectOrSplitLocked() (assigned *segment, probe *Task, assertCanUseRange bool) {
	type candidate struct {
		seg  *segment
		rank int
		room int64
		idx  int
	}
	var candidates []candidate
	for i, seg := range s.segments {
		seg.mu.Lock()
		usable := seg.usableLocked(s.minTaskLength)
		rank := seg.rankLocked()
		completed := seg.completedLength
		target := seg.targetLength
		seg.mu.Unlock()
		if !usable {
			continue
		}
		candidates = append(candidates, candidate{seg: seg, rank: rank, room: target - completed, idx: i})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		if candidates[i].room != candidates[j].room {
			return candidates[i].room > candidates[j].room // -(room) ascending == room descending
		}
		return candidates[i].idx < candidates[j].idx
	})

	for _, c := range candidates {
		seg := c.seg
		seg.mu.Lock()
		if !seg.usableLocked(s.minTaskLength) {
			// state changed between ordering and locking; skip
			seg.mu.Unlock()
			continue
		}
		if seg.task == nil {
			seg.mu.Unlock()
			return seg, nil, false
		}
		known, canUseRange := seg.task.RangeCapability()
		if !known {
			if probe == nil {
				probe = seg.task
			}
			seg.mu.Unlock()
			continue
		}
		if !canUseRange {
			seg.mu.Unlock()
			continue
		}
		splitSeg := s.splitLocked(seg)
		seg.mu.Unlock()
		if splitSeg != nil {
			return splitSeg, nil, true
		}
	}
	return nil, probe, false
}

// splitLocked shrinks seg and creates a new trailing segment from its
// unconsumed tail. Callers must hold both the table lock and seg.mu.
func (s *Serial) splitLocked(seg *segment) *segment {
	task := seg.task
	// Split at the midpoint of the task's remaining, unconsumed bytes.
	remaining := seg.targetLength - task.CompletedLength()
	splitOffset := seg.offset + task.CompletedLength() + remaining/2
	effectiveEnd := task.UpdateEnd(splitOffset)

	oldEnd := seg.offset + seg.targetLength
	newOffset := effectiveEnd + 1
	if newOffset >= oldEnd {
		// The task already holds the tail (or refused to shrink); a split
		// would yield an empty segment.
		return nil
	}

	seg.targetLength = newOffset - seg.offset
	newSeg := &segment{
		offset:       newOffset,
		targetLength: oldEnd - newOffset,
	}
	s.segments = append(s.segments, newSeg)
	sort.Slice(s.segments, func(i, j int) bool { return s.segments[i].offset < s.segments[j].offset })
	return newSeg
}

func (s *Serial) onTaskFinished(seg *segment, writtenCount int64) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	seg.task = nil
	seg.completedLength += writtenCount
}

// TransformToFullFileDownloading is the recovery path taken when an origin
// that advertised Accept-Ranges refuses them at GET time. It looks for a
// still-live task already spanning to the file's last byte and promotes it
// to consume the whole body from byte zero; every other segment's task is
// stopped and its chunk file discarded. If no promotion is possible, the
// whole table is discarded and replaced with a single fresh segment for the
// workers to re-claim. Safe to call repeatedly: once the table is complete,
// or already reduced to a healthy full-file segment, it's a no-op.
//
// Promotion is gated on nothing having been written under the old offsets
// (neither resumed bytes on disk nor bytes streamed by the task), because a
// mid-file chunk cannot be re-homed onto byte zero once it holds data. The
// one exception is a task that already starts at byte zero of an empty
// chunk, which keeps its claim even mid-stream.
func (s *Serial) TransformToFullFileDownloading() error {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	allDone := true
	for _, seg := range s.segments {
		seg.mu.Lock()
		done := seg.completedLength >= seg.targetLength
		seg.mu.Unlock()
		if !done {
			allDone = false
			break
		}
	}
	if allDone {
		return nil
	}

	var promoted *segment
	for _, seg := range s.segments {
		seg.mu.Lock()
		task := seg.task
		completed := seg.completedLength
		seg.mu.Unlock()
		if task == nil || completed != 0 {
			continue
		}
		if seg.offset != 0 && task.CompletedLength() != 0 {
			continue
		}
		if !task.PromiseIsFullTask() {
			continue
		}
		promoted = seg
		break
	}

	for _, seg := range s.segments {
		if seg == promoted {
			continue
		}
		seg.mu.Lock()
		task := seg.task
		seg.mu.Unlock()
		if task != nil {
			task.Stop()
		}
		if err := os.Remove(s.ChunkFilePath(seg.offset)); err != nil && !os.IsNotExist(err) {
			return filesystemErrorf("removing superseded chunk file for offset %d: %w", seg.offset, err)
		}
	}

	if promoted != nil {
		if promoted.offset != 0 {
			oldPath := s.ChunkFilePath(promoted.offset)
			newPath := s.ChunkFilePath(0)
			// The chunk may not exist yet if the task's worker hasn't opened
			// it; the worker re-resolves the path after a rebase.
			if err := os.Rename(oldPath, newPath); err != nil && !os.IsNotExist(err) {
				return filesystemErrorf("rebasing promoted chunk file: %w", err)
			}
			promoted.mu.Lock()
			if promoted.task != nil {
				promoted.task.RebaseToFullFile(s.meta.ContentLength)
			}
			promoted.offset = 0
			promoted.targetLength = s.meta.ContentLength
			promoted.mu.Unlock()
		}
		s.segments = []*segment{promoted}
	} else {
		s.segments = []*segment{s.freshFullFileSegmentLocked()}
	}
	return nil
}
