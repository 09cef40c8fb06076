package policy_test

import (
	"fmt"

	"github.com/pithecene-io/tributary/types"
)

// textEvent returns a condensed text event numbered n.
func textEvent(n int) types.Event {
	return types.NewEvent(types.EventTypeTextComplete, map[string]any{
		"id":      fmt.Sprintf("t%d", n),
		"content": fmt.Sprintf("paragraph %d", n),
	})
}

// condensedTypes is every kind of event a condenser hands to a policy.
var condensedTypes = []types.EventType{
	types.EventTypeTextComplete,
	types.EventTypeReasoningComplete,
	types.EventTypeToolInputAvailable,
	types.EventTypeToolOutputAvailable,
	types.EventTypeToolOutputError,
	types.EventTypeMutation,
	types.EventTypeStartStep,
	types.EventTypeError,
}
