package feed

import "fmt"

// FetchError reports a feed that could not be downloaded.
type FetchError struct {
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch feed %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch feed %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FormatError reports a feed that is not well-formed markup. It fails the
// whole run; nothing from the document is written.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed feed: %s: %v", e.Reason, e.Err)
	}
	return "malformed feed: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// ItemError reports one feed entry that carried no readable data.
type ItemError struct {
	Index  int
	Reason string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("feed item %d: %s", e.Index, e.Reason)
}
