package syncdata

import (
	"fmt"
	"strings"
)

// Direction of a transfer.
type Direction int

const (
	Up   Direction = iota // local → board
	Down                  // board → local
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// ItemFailure is one path that could not be transferred. Direction is empty
// for deletions.
type ItemFailure struct {
	Path      string `json:"path"`
	Direction string `json:"direction,omitempty"`
	Err       string `json:"error"`
}

// TransferReport is the outcome of a batch. A batch never fails half-way
// with an error; failed items are listed here instead.
type TransferReport struct {
	Verb      string        `json:"verb"`
	Succeeded []string      `json:"succeeded"`
	Failed    []ItemFailure `json:"failed"`
	Skipped   []string      `json:"skipped"`
	Cancelled bool          `json:"cancelled"`
}

func (r *TransferReport) ok(p string) {
	r.Succeeded = append(r.Succeeded, p)
}

func (r *TransferReport) fail(p string, err error) {
	r.Failed = append(r.Failed, ItemFailure{Path: p, Err: err.Error()})
}

func (r *TransferReport) failDir(p string, dir Direction, err error) {
	r.Failed = append(r.Failed, ItemFailure{Path: p, Direction: dir.String(), Err: err.Error()})
}

// FailedPaths returns the failed device paths moving in dir ("" for deletions).
func (r TransferReport) FailedPaths(dir string) []string {
	var out []string
	for _, f := range r.Failed {
		if f.Direction == dir {
			out = append(out, f.Path)
		}
	}
	return out
}

func (r *TransferReport) skip(p string) {
	r.Skipped = append(r.Skipped, p)
}

// Merge appends other's items to r.
func (r *TransferReport) Merge(other TransferReport) {
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	r.Failed = append(r.Failed, other.Failed...)
	r.Skipped = append(r.Skipped, other.Skipped...)
	r.Cancelled = r.Cancelled || other.Cancelled
}

// FailedCount is the number of failed items.
func (r TransferReport) FailedCount() int { return len(r.Failed) }

// Clean reports whether every item succeeded and nothing was cut short.
func (r TransferReport) Clean() bool {
	return len(r.Failed) == 0 && !r.Cancelled
}

// Summary is the one-line tally shown to the user.
func (r TransferReport) Summary() string {
	var sb strings.Builder
	if r.Verb != "" {
		sb.WriteString(r.Verb)
		sb.WriteString(": ")
	}
	fmt.Fprintf(&sb, "%d succeeded, %d failed", len(r.Succeeded), len(r.Failed))
	if len(r.Skipped) > 0 {
		fmt.Fprintf(&sb, ", %d skipped", len(r.Skipped))
	}
	if r.Cancelled {
		sb.WriteString(" (cancelled)")
	}
	return sb.String()
}
