// Package middleware is the daemon's local stand-in for the external
// MiddleWare collaborator: the subsystem that persists crashes, loads dump
// directories, deduplicates them, and drives report-plugin analysis. Plugin
// registry and configuration live outside the daemon core entirely — only
// their interfaces appear here; this package supplies a concrete, embedded
// implementation of that interface so the daemon can run end-to-end without
// a separate MiddleWare process, while every caller in the core still
// depends only on the MiddleWare interface below.
package middleware

import "fmt"

// Result mirrors the small set of outcome codes a MiddleWare call can
// return; the spool scanner and report workers dispatch on these.
type Result int

const (
	ResultOK Result = iota
	// ResultOccurred indicates LoadDebugDump recognized a duplicate of an
	// existing crash; Ref names the original.
	ResultOccurred
	ResultCorrupted
	ResultGpgError
	// ResultInDbError indicates CreateCrashReport was asked about a uuid
	// with no matching crash record.
	ResultInDbError
	// ResultPluginError indicates the (external, out-of-scope) report
	// plugin failed or is missing.
	ResultPluginError
	ResultFileError
	ResultOther
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultOccurred:
		return "occurred"
	case ResultCorrupted:
		return "corrupted"
	case ResultGpgError:
		return "gpg-error"
	case ResultInDbError:
		return "in-db-error"
	case ResultPluginError:
		return "plugin-error"
	case ResultFileError:
		return "file-error"
	default:
		return fmt.Sprintf("other(%d)", int(r))
	}
}

// CrashRef is the opaque "{uid}:{uuid}" identifier used to address one
// crash record across the Bus and the command-line helpers.
type CrashRef struct {
	UID  string // numeric user id as a string; empty when the crash is inform-all.
	UUID string
}

func (r CrashRef) String() string {
	return r.UID + ":" + r.UUID
}

// CrashMeta is the normalized record MiddleWare keeps for one crash.
type CrashMeta struct {
	UUID      string
	UID       string // owner uid; meaningless when InformAll is set.
	InformAll bool
	Package   string
	DumpDir   string
	Count     int // number of times this exact crash has reoccurred.
}

// Ref returns the CrashRef for this record, honoring inform-all.
func (m CrashMeta) Ref() CrashRef {
	uid := m.UID
	if m.InformAll {
		uid = ""
	}
	return CrashRef{UID: uid, UUID: m.UUID}
}

// MiddleWare is the interface the daemon core depends on. It is an external
// collaborator in principle; internal/middleware.Store is this process's
// embedded implementation of it.
type MiddleWare interface {
	// LoadDebugDump ingests dumpDir, deduplicating against prior crashes.
	// On ResultOccurred, existing names the previously recorded crash (the
	// caller deletes dumpDir and publishes Crash for existing).
	LoadDebugDump(dumpDir string) (result Result, meta CrashMeta, existing CrashMeta, err error)

	// CreateCrashReport runs report-plugin analysis for uuid.
	CreateCrashReport(uuid, uid string, force bool) (Result, error)

	// GetCrashInfos returns every crash visible to uid (its own crashes
	// plus every inform-all crash).
	GetCrashInfos(uid string) ([]CrashMeta, error)

	// GetCrashByUUID returns the record for uuid, or ok=false if none exists.
	GetCrashByUUID(uuid string) (meta CrashMeta, ok bool, err error)

	// DeleteCrashInfo removes ref's persisted record. Deleting the crash's
	// on-disk directory is the caller's responsibility (see DeleteDebugDump).
	DeleteCrashInfo(ref CrashRef) error

	// DeleteCrashByDumpDir removes the persisted record whose DumpDir
	// matches dumpDir, if any. Used by the spool scanner's quota eviction,
	// which only knows a victim directory's path, not its uuid.
	DeleteCrashByDumpDir(dumpDir string) error

	// Close releases any resources (e.g. the backing database handle).
	Close() error
}
