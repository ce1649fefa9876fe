package downloader

import "net/http"

// Client is an interface satisfied by *http.Client or by RetryDo, so Serial
// and Task can be handed either a plain client or a retrying one without
// caring which.
type Client interface {
	Do(*http.Request) (*http.Response, error)
}
