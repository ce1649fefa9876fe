package downloader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

// ErrRetryableStatus marks a response status that the retry wrapper will
// retry rather than surface immediately.
var ErrRetryableStatus = errors.New("retryable HTTP status received")

// retryableStatuses is the exact set retried for HEAD and ranged GET requests;
// anything outside it that isn't 2XX is surfaced to the caller on the first
// attempt.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:     true, // 408
	http.StatusTooManyRequests:    true, // 429
	http.StatusBadGateway:         true, // 502
	http.StatusServiceUnavailable: true, // 503
	http.StatusGatewayTimeout:     true, // 504
}

// RetryDo wraps an *http.Client, retrying transient failures (connection,
// timeout, proxy errors) and the statuses in retryableStatuses up to a fixed
// count with a constant sleep between attempts. Anything else — including
// any 2XX and any non-retryable error status — is surfaced on the first try.
type RetryDo struct {
	client  *http.Client
	retrier *retrier.Retrier
}

// NewRetryDo returns a RetryDo that retries up to retryTimes times, sleeping
// retrySleep between attempts, with timeout applied to each individual request.
func NewRetryDo(retryTimes int, retrySleep, timeout time.Duration) *RetryDo {
	return &RetryDo{
		client: &http.Client{
			Timeout: timeout,
		},
		retrier: retrier.New(retrier.ConstantBackoff(retryTimes, retrySleep), statusClassifier{}),
	}
}

// statusClassifier tells the retrier which errors are worth retrying.
type statusClassifier struct{}

func (statusClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	if errors.Is(err, ErrRetryableStatus) {
		return retrier.Retry
	}
	if errors.Is(err, context.Canceled) {
		return retrier.Fail
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retrier.Retry
	}
	// Anything else returned by http.Client.Do itself (dial failure, proxy
	// error, connection reset) is treated as a transient transport error too.
	if isDoError(err) {
		return retrier.Retry
	}
	return retrier.Fail
}

// isDoError reports whether err came from the http.Client.Do call itself
// (as opposed to a classified status error constructed in Do), which in
// practice always means a connection-level failure worth retrying.
func isDoError(err error) bool {
	_, ok := err.(*doError)
	return ok
}

// doError tags a raw error returned by (*http.Client).Do so the classifier
// can tell it apart from the ErrRetryableStatus / terminal-status errors
// constructed from a successfully-received response.
type doError struct {
	err error
}

func (e *doError) Error() string { return e.err.Error() }
func (e *doError) Unwrap() error { return e.err }

// Do issues req, retrying per the rules above, and returns the final
// response or the final error. A response with a non-retryable, non-2XX
// status (e.g. 404) is returned as an error, not as a response — callers
// that need to inspect non-2XX bodies should not route through RetryDo.
func (w *RetryDo) Do(req *http.Request) (*http.Response, error) {
	var ret *http.Response

	try := func() error {
		resp, err := w.client.Do(req)
		if err != nil {
			return &doError{err: err}
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			ret = resp
			return nil
		case retryableStatuses[resp.StatusCode]:
			resp.Body.Close()
			return fmt.Errorf("%w: %s", ErrRetryableStatus, resp.Status)
		default:
			resp.Body.Close()
			return fmt.Errorf("non-retryable HTTP status received: %s", resp.Status)
		}
	}

	if err := w.retrier.Run(try); err != nil {
		return nil, err
	}
	return ret, nil
}
