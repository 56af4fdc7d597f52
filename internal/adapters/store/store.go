// Package store holds the durable core.JobStore implementations.
package store

import (
	"fmt"

	"github.com/mikey/llm-mail-triage/internal/core"
)

func errDuplicateJob(id string) error {
	return fmt.Errorf("job %s already exists", id)
}

// withPriority returns r with its analysis priority replaced by a user
// override. The shared analysis value is copied, not mutated.
func withPriority(r core.MessageResult, level core.PriorityLevel) core.MessageResult {
	if r.Analysis == nil {
		return r
	}
	a := *r.Analysis
	a.Priority.Level = level
	r.Analysis = &a
	return r
}
