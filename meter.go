package visiongate

import "time"

// Meter observes gateway events for monitoring/logging.
type Meter interface {
	// OnAdmit is called when an admission decision is made.
	OnAdmit(event AdmitEvent)

	// OnOutcome is called when an attempt reaches a terminal state.
	OnOutcome(event OutcomeEvent)
}

// AdmitEvent describes an admission decision.
type AdmitEvent struct {
	Bucket       string
	Premium      bool
	Allowed      bool
	Reason       ReasonCode
	AnalysisType AnalysisType
}

// OutcomeEvent describes the terminal state of one attempt.
type OutcomeEvent struct {
	Bucket       string
	Provider     string
	KeyID        string
	AnalysisType AnalysisType
	Attempt      int
	Success      bool
	Duration     time.Duration
	ErrorKind    ErrorKind
	Error        error
}
