package downloader

import "sync"

// segment is one contiguous, non-overlapping slice of the target file,
// backed by one chunk file. Segments are owned by Serial's table; the task
// slot and the completedLength handoff on task completion are additionally
// guarded by the segment's own mutex. The table lock is always acquired
// before any individual segment lock.
type segment struct {
	offset          int64
	completedLength int64
	targetLength    int64

	mu   sync.Mutex
	task *Task
}

// usableLocked reports whether this segment has spare, unclaimed work,
// assuming the caller holds seg.mu. A segment is usable if it isn't fully
// downloaded and either has no task, or its task has enough remaining room
// to be worth splitting.
func (seg *segment) usableLocked(minTaskLength int64) bool {
	if seg.completedLength >= seg.targetLength {
		return false
	}
	if seg.task == nil {
		return true
	}
	remain := seg.targetLength - seg.task.CompletedLength()
	return remain >= 2*minTaskLength
}

// rankLocked orders candidates for get_task: free segments first, then
// segments whose task has proven range support, then segments whose task's
// range support is still unknown. Assumes the caller holds seg.mu.
func (seg *segment) rankLocked() int {
	if seg.task == nil {
		return 0
	}
	if seg.task.KnowCanUseRange() {
		return 1
	}
	return 2
}
