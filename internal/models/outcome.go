package models

import (
	"fmt"
	"strings"
)

// Outcome is the terminal state of one post group within a run.
type Outcome string

const (
	OutcomePublished            Outcome = "published"
	OutcomeSkippedIngested      Outcome = "skipped_already_ingested"
	OutcomeSkippedRenderFailure Outcome = "skipped_render_failure"
	OutcomeSkippedDuplicate     Outcome = "skipped_duplicate_render"
	// OutcomeSkippedSinkFailure means the fragment reached the site but the
	// social forward failed; the forward is retried on the next run.
	OutcomeSkippedSinkFailure Outcome = "skipped_sink_failure"
	OutcomeInvalid            Outcome = "skipped_invalid"
)

// PostResult records what happened to one post group.
type PostResult struct {
	Key     string
	Outcome Outcome
	Reason  string
}

// RunReport summarizes one pipeline run.
type RunReport struct {
	RunID         string
	Results       []PostResult
	Archived      int
	MediaDeleted  int
	RetriedSocial int
	FeedChanged   bool
}

// Count returns how many results ended in the given outcome.
func (r *RunReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Err joins non-fatal per-post problems into a single error, or nil.
func (r *RunReport) Err() error {
	var msgs []string
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeSkippedRenderFailure, OutcomeSkippedSinkFailure, OutcomeInvalid:
			msgs = append(msgs, fmt.Sprintf("%s: %s", res.Key, res.Reason))
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("processed with errors: %s", strings.Join(msgs, "; "))
}
