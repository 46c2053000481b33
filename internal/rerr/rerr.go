// Package rerr defines the error taxonomy described in SPEC_FULL.md §7,
// built on errkit the same way the teacher project's own error handling
// does (see error.go in the retrieval pack's slicingmelon-gobypass403
// teacher): one errkit.ErrKind per case so callers can match with
// errkit.IsKind instead of string comparison or sentinel equality.
package rerr

import (
	"github.com/projectdiscovery/utils/errkit"
)

var (
	// KindHeadStatus: a HEAD returned a non-200, non-redirect status
	// during initialization. Fatal to construction.
	KindHeadStatus = errkit.NewPrimitiveErrKind("rangedl-head-status", "non-200/non-redirect HEAD response", nil)

	// KindFileSize: mirrors disagree on Content-Length. Fatal to
	// construction.
	KindFileSize = errkit.NewPrimitiveErrKind("rangedl-file-size", "mirrors report different content lengths", nil)

	// KindDownloaderStatus: a GET range request returned a non-206
	// status. Non-fatal: the owning worker requeues its block and exits.
	KindDownloaderStatus = errkit.NewPrimitiveErrKind("rangedl-downloader-status", "non-206 range response", nil)

	// KindTransport: a transport-level failure on a GET range request.
	// Handled identically to KindDownloaderStatus.
	KindTransport = errkit.NewPrimitiveErrKind("rangedl-transport", "transport-level failure on range request", nil)

	// KindNotStarted: telemetry requested before the download began.
	KindNotStarted = errkit.NewPrimitiveErrKind("rangedl-not-started", "download has not started", nil)

	// KindNotComplete: completion-only state requested before R == N.
	KindNotComplete = errkit.NewPrimitiveErrKind("rangedl-not-complete", "download has not completed", nil)

	// KindIncomplete: every fetch loop exited before the buffer reached
	// R == N; surfaced to a blocked or future consumer call instead of
	// hanging forever (the deliberate correction of SPEC_FULL.md §9(c)).
	KindIncomplete = errkit.NewPrimitiveErrKind("rangedl-incomplete", "all mirrors exhausted before download completed", nil)
)

// HeadStatus builds a fatal initialization error for a non-200/redirect
// HEAD response.
func HeadStatus(url string, status int) error {
	base := errkit.New("HEAD request rejected").SetKind(KindHeadStatus).Build()
	return errkit.WithMessagef(base, "HEAD %s returned status %d", url, status)
}

// FileSize builds a fatal initialization error for disagreeing
// Content-Length values across mirrors.
func FileSize(lengths map[string]int64) error {
	base := errkit.New("content length mismatch").SetKind(KindFileSize).Build()
	return errkit.WithMessagef(base, "mirrors disagree on content length: %v", lengths)
}

// DownloaderStatus builds a per-worker, non-fatal error for a non-206
// range response.
func DownloaderStatus(url string, status int) error {
	base := errkit.New("range request rejected").SetKind(KindDownloaderStatus).Build()
	return errkit.WithMessagef(base, "GET %s returned status %d", url, status)
}

// Transport builds a per-worker, non-fatal error for a transport-level
// failure (connection reset, timeout, DNS, TLS) on a range request.
func Transport(url string, cause error) error {
	base := errkit.New("transport failure").SetKind(KindTransport).Build()
	return errkit.WithMessagef(base, "GET %s failed: %v", url, cause)
}

// NotStarted builds the error returned by telemetry accessors called
// before Run has started the download.
func NotStarted() error {
	return errkit.New("telemetry requested before download started").SetKind(KindNotStarted).Build()
}

// NotComplete builds the error returned by telemetry accessors called
// before the returned cursor reaches the block count.
func NotComplete() error {
	return errkit.New("telemetry requested before download completed").SetKind(KindNotComplete).Build()
}

// Incomplete builds the error surfaced to a consumer when no fetch loops
// remain active and the buffer has not reached R == N.
func Incomplete(cursor, count int) error {
	base := errkit.New("no active mirrors remain").SetKind(KindIncomplete).Build()
	return errkit.WithMessagef(base, "download stalled at block %d of %d: every mirror exited", cursor, count)
}

// IsFatal reports whether err is one of the construction-aborting kinds
// (HeadStatus, FileSize).
func IsFatal(err error) bool {
	return errkit.IsKind(err, KindHeadStatus) || errkit.IsKind(err, KindFileSize)
}

// IsWorkerExit reports whether err is one of the kinds that cause a fetch
// loop to requeue its block and exit permanently (DownloaderStatus,
// Transport).
func IsWorkerExit(err error) bool {
	return errkit.IsKind(err, KindDownloaderStatus) || errkit.IsKind(err, KindTransport)
}

// Wrapf is a small convenience used by callers that need to attach
// additional context to an arbitrary error without picking a kind.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errkit.WithMessagef(err, format, args...)
}
