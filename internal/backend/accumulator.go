package backend

// Accumulator folds parsed messages into the rolling turn state. It holds
// the combined response and thinking text for emission at stream end.
type Accumulator struct {
	ResponseText     string
	ThinkingText     string
	SessionID        string
	SkipUsed         bool
	MemoryEntries    []string
	PolicyCheckCalls []string
	Completed        bool
	ErrorText        string
}

// Apply folds one parsed message in and returns the response and thinking
// deltas relative to the previous state. Parsed text fields are cumulative;
// deltas never shrink.
func (a *Accumulator) Apply(msg ParsedMessage) (responseDelta, thinkingDelta string) {
	if len(msg.ResponseText) > len(a.ResponseText) {
		responseDelta = msg.ResponseText[len(a.ResponseText):]
		a.ResponseText = msg.ResponseText
	}
	if len(msg.ThinkingText) > len(a.ThinkingText) {
		thinkingDelta = msg.ThinkingText[len(a.ThinkingText):]
		a.ThinkingText = msg.ThinkingText
	}
	if msg.SessionID != "" {
		a.SessionID = msg.SessionID
	}
	if msg.SkipUsed {
		a.SkipUsed = true
	}
	a.MemoryEntries = append(a.MemoryEntries, msg.MemoryEntries...)
	a.PolicyCheckCalls = append(a.PolicyCheckCalls, msg.PolicyCheckCalls...)
	if msg.Completed {
		a.Completed = true
	}
	if msg.ErrorText != "" {
		a.ErrorText = msg.ErrorText
	}
	return responseDelta, thinkingDelta
}
