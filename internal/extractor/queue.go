// Package extractor recovers kernel oops reports from raw log text.
//
// The input may be bare dmesg/kernel ring-buffer output or syslog-framed
// lines; the extractor tolerates both, is tolerant of interleaved or noisy
// input, and never fails — malformed input simply yields zero records.
package extractor

// MaxOops bounds the number of oopses recovered from a single ExtractOops
// call. This limits the number of oopses submitted per session; it is
// important that this stays bounded to avoid feedback loops in the case
// where submitting an oops itself causes a warning or oops.
const MaxOops = 16

// UndefinedVersion is the sentinel kernel_version value used when no
// version string could be recovered from an oops's lines.
const UndefinedVersion = "undefined"

// Record is an immutable recovered oops: the concatenated text of its
// contributing log lines (newline-separated, newline-terminated) and a
// best-effort kernel version string.
type Record struct {
	Text          string
	KernelVersion string
}

// Queue is a bounded FIFO of Records. Insertions past MaxOops are silently
// dropped; extraction order matches order of appearance in the log.
type Queue struct {
	records []Record
}

// Push appends rec to the queue unless the queue is already at MaxOops
// capacity, in which case it is dropped.
func (q *Queue) Push(rec Record) {
	if len(q.records) >= MaxOops {
		return
	}
	q.records = append(q.records, rec)
}

// Len returns the number of records currently queued.
func (q *Queue) Len() int {
	return len(q.records)
}

// Records returns the queued records in insertion order. The returned
// slice must not be retained past the caller's use; Queue owns it.
func (q *Queue) Records() []Record {
	return q.records
}
