// Package executor drives a single claimed job through its state
// machine: preflight, running, handler dispatch, failure
// classification, and the always-run cost/callback/progress cleanup.
// The browser automation itself is an external collaborator — this
// package only knows the narrow BrowserSession contract it needs to
// open, pause, resume, and inject HITL resolutions into one.
package executor

import "context"

// BrowserSession is the opaque handle the core holds on one job's
// browser automation session. Everything about what runs inside it
// (DOM scraping, dropdown filling, LLM prompting) is the handler's
// business; the core only ever pauses, resumes, closes it, or injects
// a human's resolution into it.
type BrowserSession interface {
	// Pause suspends the underlying automation, typically by stopping
	// further navigation/actions while a human takes over the tab.
	Pause(ctx context.Context) error
	// Resume un-suspends after a human resolution has been injected.
	Resume(ctx context.Context) error
	// Close releases the session's resources. Safe to call exactly
	// once per session, at the end of the executor's Execute call.
	Close(ctx context.Context) error
	// FillOneTimeCode types code into the visible one-time-code input
	// and submits, for resolutionType=code_entry.
	FillOneTimeCode(ctx context.Context, code string) error
	// FillCredentials types username/password into the visible login
	// fields and submits, for resolutionType=credentials.
	FillCredentials(ctx context.Context, username, password string) error
}

// SessionFactory opens a BrowserSession for a claimed job. Credential
// resolution (vault lookups, profile loading) happens inside the
// factory's implementation — out of the core's scope.
type SessionFactory interface {
	Open(ctx context.Context, jobID string, jobType string) (BrowserSession, error)
}
