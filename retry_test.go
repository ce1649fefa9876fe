package downloader

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"
)

func Test_RetryDo_Success(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When a request succeeds on the first try, RetryDo doesn't retry", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.Write([]byte("ok"))
		}))
		defer server.Close()

		rt := NewRetryDo(3, 10*time.Millisecond, time.Second)
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

		start := time.Now()
		resp, err := rt.Do(req)
		stop := time.Now()
		So(err, ShouldBeNil)
		So(resp.StatusCode, ShouldEqual, http.StatusOK)
		resp.Body.Close()
		So(stop, ShouldHappenWithin, 2*time.Millisecond, start)
	})
}

func Test_RetryDo_RetryableStatus(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When a server always returns 503, RetryDo retries retryTimes times then fails", t, func() {
		var hits int
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			hits++
			rw.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		rt := NewRetryDo(2, 5*time.Millisecond, time.Second)
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

		_, err := rt.Do(req)
		So(err, ShouldNotBeNil)
		So(errors.Is(err, ErrRetryableStatus), ShouldBeTrue)
		So(hits, ShouldEqual, 3) // initial try + 2 retries
	})
}

func Test_RetryDo_NonRetryableStatus(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When a server returns 404, RetryDo fails immediately without retrying", t, func() {
		var hits int
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			hits++
			rw.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		rt := NewRetryDo(3, 5*time.Millisecond, time.Second)
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

		_, err := rt.Do(req)
		So(err, ShouldNotBeNil)
		So(hits, ShouldEqual, 1)
	})
}

func Test_RetryDo_TransportError(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When a server hangs past the per-request timeout, RetryDo retries transport errors", t, func() {
		var hits int
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			hits++
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()

		rt := NewRetryDo(2, 5*time.Millisecond, 20*time.Millisecond)
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

		_, err := rt.Do(req)
		So(err, ShouldNotBeNil)
		So(hits, ShouldEqual, 3)
	})
}
