// Package bus models the daemon's announcement channel as a narrow
// capability set rather than a concrete wire protocol. Callers publish
// crash/job/warning/update/quota events through the Bus interface; how those
// events reach subscribers — in-process fan-out, a socket, D-Bus — is a
// detail of the concrete implementation, not something the daemon core ever
// needs to know. Inner, in this package, is the in-process transport used to
// run the daemon end-to-end without a separate process on the other end of a
// socket or D-Bus connection.
package bus

// CrashEvent announces a newly recognized (or re-confirmed) crash.
type CrashEvent struct {
	Package  string
	CrashRef string // "uid:uuid", see middleware.CrashRef.
	DumpPath string
	UID      string // empty when the crash is marked inform-all.
}

// JobStartedEvent announces that a report worker has begun work on behalf
// of peer.
type JobStartedEvent struct {
	Peer string
}

// JobDoneEvent announces that a report worker finished successfully.
type JobDoneEvent struct {
	Peer string
	UUID string
}

// WarningEvent unicasts a recoverable-error message to peer.
type WarningEvent struct {
	Msg   string
	Peer  string
	JobID string
}

// UpdateEvent unicasts a progress message to peer.
type UpdateEvent struct {
	Msg   string
	Peer  string
	JobID string
}

// QuotaExceedEvent announces that the spool scanner evicted a directory to
// stay under quota.
type QuotaExceedEvent struct {
	Msg string
}

// Bus is the capability set every component publishes through. Nothing in
// the daemon core depends on how events reach subscribers.
type Bus interface {
	Crash(CrashEvent)
	JobStarted(JobStartedEvent)
	JobDone(JobDoneEvent)
	Warning(WarningEvent)
	Update(UpdateEvent)
	QuotaExceed(QuotaExceedEvent)
}
