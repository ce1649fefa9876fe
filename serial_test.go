package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"
)

func Test_Segment_UsableLocked(t *testing.T) {
	Convey("A segment with no task and spare room is usable", t, func() {
		seg := &segment{targetLength: 100}
		So(seg.usableLocked(10), ShouldBeTrue)
	})

	Convey("A fully-downloaded segment is never usable", t, func() {
		seg := &segment{completedLength: 100, targetLength: 100}
		So(seg.usableLocked(10), ShouldBeFalse)
	})

	Convey("A busy segment is usable if its task's remaining room is at least twice minTaskLength", t, func() {
		task := testTask("http://example.invalid", 0, 99, 40, 100)
		seg := &segment{targetLength: 100, task: task}
		// remaining = 100 - 40 = 60, needs >= 2*20 = 40
		So(seg.usableLocked(20), ShouldBeTrue)
		// remaining = 60, needs >= 2*31 = 62
		So(seg.usableLocked(31), ShouldBeFalse)
	})
}

func Test_Segment_RankLocked(t *testing.T) {
	Convey("rankLocked orders free, proven-range, unknown-range", t, func() {
		free := &segment{}
		So(free.rankLocked(), ShouldEqual, 0)

		known := testTask("http://example.invalid", 0, 99, 0, 100)
		known.setKnown(true)
		busyKnown := &segment{task: known}
		So(busyKnown.rankLocked(), ShouldEqual, 1)

		unknown := testTask("http://example.invalid", 0, 99, 0, 100)
		busyUnknown := &segment{task: unknown}
		So(busyUnknown.rankLocked(), ShouldEqual, 2)
	})
}

func Test_Serial_LoadBuffer_FreshStart(t *testing.T) {
	Convey("Given an empty buffer directory, LoadBuffer installs a single fresh full-file segment", t, func() {
		dir, err := os.MkdirTemp("", "loadbuffer1")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		s := &Serial{
			name:       "deadbeef",
			ext:        ".bin",
			bufferPath: dir,
			meta:       SerialMeta{ContentLength: 1000, MetaEnableRange: true},
		}
		So(s.LoadBuffer(), ShouldBeNil)
		So(s.segments, ShouldHaveLength, 1)
		So(s.segments[0].offset, ShouldEqual, int64(0))
		So(s.segments[0].targetLength, ShouldEqual, int64(1000))
	})
}

func Test_Serial_LoadBuffer_Resume(t *testing.T) {
	Convey("Given chunk files already on disk from a prior run, LoadBuffer reconstructs the segment table", t, func() {
		dir, err := os.MkdirTemp("", "loadbuffer2")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		s := &Serial{
			name:       "deadbeef",
			ext:        ".bin",
			bufferPath: dir,
			meta:       SerialMeta{ContentLength: 100, MetaEnableRange: true},
		}
		So(os.WriteFile(s.ChunkFilePath(0), make([]byte, 30), 0o644), ShouldBeNil)
		So(os.WriteFile(s.ChunkFilePath(50), make([]byte, 10), 0o644), ShouldBeNil)

		So(s.LoadBuffer(), ShouldBeNil)
		So(s.segments, ShouldHaveLength, 2)
		So(s.segments[0].offset, ShouldEqual, int64(0))
		So(s.segments[0].completedLength, ShouldEqual, int64(30))
		So(s.segments[0].targetLength, ShouldEqual, int64(50))
		So(s.segments[1].offset, ShouldEqual, int64(50))
		So(s.segments[1].completedLength, ShouldEqual, int64(10))
		So(s.segments[1].targetLength, ShouldEqual, int64(50))
	})

	Convey("Given chunk files on disk but the origin no longer advertises ranges, LoadBuffer discards them", t, func() {
		dir, err := os.MkdirTemp("", "loadbuffer3")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		s := &Serial{
			name:       "deadbeef",
			ext:        ".bin",
			bufferPath: dir,
			meta:       SerialMeta{ContentLength: 100, MetaEnableRange: false},
		}
		chunkPath := s.ChunkFilePath(0)
		So(os.WriteFile(chunkPath, make([]byte, 30), 0o644), ShouldBeNil)

		So(s.LoadBuffer(), ShouldBeNil)
		So(s.segments, ShouldHaveLength, 1)
		So(s.segments[0].offset, ShouldEqual, int64(0))
		So(s.segments[0].completedLength, ShouldEqual, int64(0))

		_, statErr := os.Stat(chunkPath)
		So(os.IsNotExist(statErr), ShouldBeTrue)
	})
}

func Test_Serial_SplitLocked(t *testing.T) {
	Convey("Given a busy segment with plenty of unconsumed room, splitLocked shrinks it and creates a trailing segment", t, func() {
		s := &Serial{meta: SerialMeta{ContentLength: 100}, minTaskLength: 2}
		task := testTask("http://example.invalid", 0, 99, 20, 100)
		seg := &segment{offset: 0, targetLength: 100, task: task}
		s.segments = []*segment{seg}

		newSeg := s.splitLocked(seg)
		So(newSeg, ShouldNotBeNil)
		// remaining = 100 - 20 = 80; split offset = 0 + 20 + 40 = 60
		So(task.End(), ShouldEqual, int64(60))
		So(seg.targetLength, ShouldEqual, int64(61))
		So(newSeg.offset, ShouldEqual, int64(61))
		So(newSeg.targetLength, ShouldEqual, int64(39))
	})

	Convey("Given a task that has already consumed the entire segment, splitLocked yields nothing", t, func() {
		s := &Serial{meta: SerialMeta{ContentLength: 100}, minTaskLength: 2}
		task := testTask("http://example.invalid", 0, 99, 100, 100)
		task.endMu.Lock()
		task.holdOffset = 100
		task.endMu.Unlock()
		seg := &segment{offset: 0, targetLength: 100, task: task}
		s.segments = []*segment{seg}

		newSeg := s.splitLocked(seg)
		So(newSeg, ShouldBeNil)
	})
}

func Test_Serial_GetTask_SplitsProvenRangeTask(t *testing.T) {
	Convey("Given a busy segment whose task has proven range support, GetTask splits it and hands out the tail", t, func() {
		s := &Serial{
			url:           "http://example.invalid/a.bin",
			name:          "deadbeef",
			ext:           ".bin",
			client:        &http.Client{},
			minTaskLength: 10,
			meta:          SerialMeta{ContentLength: 100, MetaEnableRange: true},
		}
		parent := testTask(s.url, 0, 99, 20, 100)
		parent.setKnown(true)
		s.segments = []*segment{{offset: 0, targetLength: 100, task: parent}}

		task := s.GetTask()
		So(task, ShouldNotBeNil)
		So(task.KnowCanUseRange(), ShouldBeTrue) // inherits the parent's discovery
		So(parent.End(), ShouldEqual, int64(60))
		So(task.Start(), ShouldEqual, int64(61))
		So(task.End(), ShouldEqual, int64(99))
		So(s.segments, ShouldHaveLength, 2)
	})

	Convey("Given the only busy segment's task proved the origin refuses ranges, GetTask reports no work", t, func() {
		s := &Serial{
			url:           "http://example.invalid/a.bin",
			name:          "deadbeef",
			ext:           ".bin",
			client:        &http.Client{},
			minTaskLength: 10,
			meta:          SerialMeta{ContentLength: 100, MetaEnableRange: true},
		}
		parent := testTask(s.url, 0, 99, 0, 100)
		parent.setKnown(false)
		s.segments = []*segment{{offset: 0, targetLength: 100, task: parent}}

		So(s.GetTask(), ShouldBeNil)
	})
}

func Test_Serial_GetTask_BlocksOnUnknownCapability(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given the only candidate's task hasn't discovered range support yet, GetTask parks until it does and then splits", t, func() {
		s := &Serial{
			url:           "http://example.invalid/a.bin",
			name:          "deadbeef",
			ext:           ".bin",
			client:        &http.Client{},
			minTaskLength: 10,
			meta:          SerialMeta{ContentLength: 100, MetaEnableRange: true},
		}
		parent := testTask(s.url, 0, 99, 0, 100)
		s.segments = []*segment{{offset: 0, targetLength: 100, task: parent}}

		go func() {
			time.Sleep(20 * time.Millisecond)
			parent.setKnown(true)
		}()

		task := s.GetTask() // parks on parent's discovery latch, then splits
		So(task, ShouldNotBeNil)
		So(task.Start(), ShouldEqual, int64(51))
		So(task.End(), ShouldEqual, int64(99))
	})
}

func Test_Serial_TransformToFullFileDownloading(t *testing.T) {
	Convey("Given a segment whose task already promises full-task coverage, transform promotes it and discards the rest", t, func() {
		dir, err := os.MkdirTemp("", "transform1")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		s := &Serial{
			name:       "deadbeef",
			ext:        ".bin",
			bufferPath: dir,
			meta:       SerialMeta{ContentLength: 100},
		}

		loserTask := testTask("http://example.invalid", 0, 49, 0, 100)
		loserSeg := &segment{offset: 0, targetLength: 50, task: loserTask}
		So(os.WriteFile(s.ChunkFilePath(0), []byte("x"), 0o644), ShouldBeNil)

		winnerTask := testTask("http://example.invalid", 50, 99, 0, 100)
		winnerSeg := &segment{offset: 50, targetLength: 50, task: winnerTask}
		So(os.WriteFile(s.ChunkFilePath(50), nil, 0o644), ShouldBeNil)

		s.segments = []*segment{loserSeg, winnerSeg}

		So(s.TransformToFullFileDownloading(), ShouldBeNil)
		So(s.segments, ShouldHaveLength, 1)
		So(s.segments[0].offset, ShouldEqual, int64(0))
		So(s.segments[0].targetLength, ShouldEqual, int64(100))
		So(winnerTask.Start(), ShouldEqual, int64(0))
		So(winnerTask.End(), ShouldEqual, int64(99))

		_, statErr := os.Stat(s.ChunkFilePath(0))
		So(statErr, ShouldBeNil) // now holds the renamed winner chunk

		Convey("and the loser's stopped flag was set", func() {
			So(loserTask.stopped.Load(), ShouldBeTrue)
		})
	})

	Convey("Given no segment can be promoted, transform falls back to a single fresh full-file segment", t, func() {
		dir, err := os.MkdirTemp("", "transform2")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		s := &Serial{
			name:       "deadbeef",
			ext:        ".bin",
			bufferPath: dir,
			meta:       SerialMeta{ContentLength: 100},
		}
		task := testTask("http://example.invalid", 0, 49, 0, 100)
		seg := &segment{offset: 0, targetLength: 50, task: task}
		So(os.WriteFile(s.ChunkFilePath(0), []byte("x"), 0o644), ShouldBeNil)
		s.segments = []*segment{seg}

		So(s.TransformToFullFileDownloading(), ShouldBeNil)
		So(s.segments, ShouldHaveLength, 1)
		So(s.segments[0].offset, ShouldEqual, int64(0))
		So(s.segments[0].targetLength, ShouldEqual, int64(100))
		So(s.segments[0].task, ShouldBeNil)
	})

	Convey("Given a task that already wrote bytes mid-file, transform refuses to rebase it", t, func() {
		dir, err := os.MkdirTemp("", "transform3")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		s := &Serial{
			name:       "deadbeef",
			ext:        ".bin",
			bufferPath: dir,
			meta:       SerialMeta{ContentLength: 100},
		}
		task := testTask("http://example.invalid", 50, 99, 7, 100) // 7 bytes already streamed
		seg := &segment{offset: 50, targetLength: 50, task: task}
		s.segments = []*segment{seg}

		So(s.TransformToFullFileDownloading(), ShouldBeNil)
		So(s.segments, ShouldHaveLength, 1)
		So(s.segments[0].task, ShouldBeNil) // fresh segment, not the rebased task
		So(task.Start(), ShouldEqual, int64(50))
	})
}

func Test_Serial_FetchMeta(t *testing.T) {
	Convey("Given a HEAD response advertising ranges, fetchMeta captures length, ETag, and range support", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.Header().Set("Content-Length", "12345")
			rw.Header().Set("ETag", `"abc"`)
			rw.Header().Set("Accept-Ranges", "bytes")
		}))
		defer server.Close()

		s, err := NewSerial(context.Background(), NewSerialOptions{
			URL:           server.URL,
			Client:        &http.Client{Timeout: time.Second},
			MinTaskLength: 2,
		})
		So(err, ShouldBeNil)
		So(s.ContentLength(), ShouldEqual, int64(12345))
		So(s.ETag(), ShouldEqual, `"abc"`)
		So(s.meta.MetaEnableRange, ShouldBeTrue)
	})

	Convey("Given a HEAD response reporting zero length, fetchMeta returns a metadata error", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.Header().Set("Content-Length", "0")
		}))
		defer server.Close()

		_, err := NewSerial(context.Background(), NewSerialOptions{
			URL:           server.URL,
			Client:        &http.Client{Timeout: time.Second},
			MinTaskLength: 2,
		})
		So(err, ShouldNotBeNil)
		So(errors.Is(err, ErrMetadata), ShouldBeTrue)
	})

	Convey("Given a HEAD response missing Content-Length, fetchMeta returns a metadata error", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			// no Content-Length set
		}))
		defer server.Close()

		_, err := NewSerial(context.Background(), NewSerialOptions{
			URL:           server.URL,
			Client:        &http.Client{Timeout: time.Second},
			MinTaskLength: 2,
		})
		So(err, ShouldNotBeNil)
		So(errors.Is(err, ErrMetadata), ShouldBeTrue)
	})
}
