package models

// StateChange is a desired activation state for one host record.
type StateChange struct {
	TargetID string
	Active   bool
	Name     string
}

// ItemResult is the outcome of one command inside a batched request.
// Index points back at the request position it answers.
type ItemResult struct {
	Index int
	Err   error
}
