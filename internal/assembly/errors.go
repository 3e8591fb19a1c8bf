package assembly

import "fmt"

// RetryableError advises the worker to requeue the job (spec §4.8).
type RetryableError struct {
	Kind   string // "missing_inputs"
	Reason string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("assembly: retryable (%s): %s", e.Kind, e.Reason)
}

// TerminalError advises the worker to move the job to dead-letter.
type TerminalError struct {
	Kind   string // "encoder_failed", "output_unwritable"
	Reason string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("assembly: terminal (%s): %s", e.Kind, e.Reason)
}

// MissingInputs reports that no captures are on disk yet for this session.
func MissingInputs(reason string) error {
	return &RetryableError{Kind: "missing_inputs", Reason: reason}
}

// EncoderFailed reports a non-zero encoder exit, with a tail of its stderr.
func EncoderFailed(stderrTail string) error {
	return &TerminalError{Kind: "encoder_failed", Reason: stderrTail}
}

// OutputUnwritable reports that the output path could not be created/written.
func OutputUnwritable(reason string) error {
	return &TerminalError{Kind: "output_unwritable", Reason: reason}
}
