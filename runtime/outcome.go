package runtime

import (
	"fmt"

	"github.com/pithecene-io/tributary/types"
)

// Engine exit codes.
const (
	ExitCodeCompleted    = 0 // finish emitted
	ExitCodeError        = 1 // error or abort emitted
	ExitCodeCrash        = 2 // engine crash (no terminal event)
	ExitCodeInvalidInput = 3 // invalid job on stdin
)

// DetermineOutcome classifies a finished engine run.
//
// The exit code decides the outcome category. The thread_result frame, when
// present, only supplies the message. Without one, the terminal event and
// the last error event are used.
func DetermineOutcome(
	exitCode int,
	terminal *types.Event,
	result *types.ThreadResultFrame,
	lastError string,
) types.ThreadOutcome {
	outcome := outcomeFromExitCode(exitCode, terminal, lastError)
	if result != nil && result.Message != nil && *result.Message != "" {
		switch {
		case outcome.Status == types.OutcomeCompleted && result.Status != types.ThreadResultCompleted:
			outcome.Message = fmt.Sprintf("exit code 0 but thread_result reported %s: %s",
				result.Status, *result.Message)
		case outcome.Status != types.OutcomeExecutorCrash || terminal != nil:
			outcome.Message = *result.Message
		}
	}
	return outcome
}

func outcomeFromExitCode(exitCode int, terminal *types.Event, lastError string) types.ThreadOutcome {
	switch exitCode {
	case ExitCodeCompleted:
		if terminal != nil && terminal.Type == types.EventTypeFinish {
			return types.ThreadOutcome{
				Status:  types.OutcomeCompleted,
				Message: "thread completed",
			}
		}
		if terminal != nil && terminal.Type == types.EventTypeAbort {
			return types.ThreadOutcome{
				Status:  types.OutcomeCancelled,
				Message: "engine aborted the turn",
			}
		}
		return types.ThreadOutcome{
			Status:  types.OutcomeExecutorCrash,
			Message: "engine exited cleanly without terminal event",
		}

	case ExitCodeError:
		if terminal == nil && lastError == "" {
			return types.ThreadOutcome{
				Status:  types.OutcomeExecutorCrash,
				Message: "engine exited with error without terminal event",
			}
		}
		msg := lastError
		if msg == "" {
			msg = "engine error"
		}
		return types.ThreadOutcome{Status: types.OutcomeEngineError, Message: msg}

	case ExitCodeCrash:
		return types.ThreadOutcome{
			Status:  types.OutcomeExecutorCrash,
			Message: "engine crashed",
		}

	case ExitCodeInvalidInput:
		return types.ThreadOutcome{
			Status:  types.OutcomeExecutorCrash,
			Message: "engine rejected invalid input",
		}

	default:
		return types.ThreadOutcome{
			Status:  types.OutcomeExecutorCrash,
			Message: fmt.Sprintf("engine exited with unexpected code %d", exitCode),
		}
	}
}
