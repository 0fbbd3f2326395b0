// Package actions defines the wire types exchanged between the cloud and a
// local command executor: an Action dispatched down to the device, and the
// ActionResponse(s) streamed back up while it runs.
package actions

// Action is a command dispatched by the cloud to a local executor.
type Action struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

// ActionResponse is a structured status update emitted on the
// "action_status" stream in response to an Action.
type ActionResponse struct {
	ID       string   `json:"id"`
	State    string   `json:"state"`
	Errors   []string `json:"errors,omitempty"`
	Progress *int     `json:"progress,omitempty"`
}

// States an ActionResponse may carry. Executors and the Bridge are free to
// use any non-empty string, but these cover the lifecycle states this
// package itself produces.
const (
	StateRunning  = "Running"
	StateFailed   = "Failed"
	StateFinished = "Finished"
)

// New returns an ActionResponse in the given state with no errors.
func New(id, state string) *ActionResponse {
	return &ActionResponse{ID: id, State: state}
}

// Failure returns an ActionResponse in StateFailed carrying a single error.
func Failure(id, err string) *ActionResponse {
	return &ActionResponse{ID: id, State: StateFailed, Errors: []string{err}}
}

// AddError appends an error message to the response, switching its state to
// StateFailed if it isn't already.
func (r *ActionResponse) AddError(err string) {
	r.Errors = append(r.Errors, err)
	if r.State != StateFailed {
		r.State = StateFailed
	}
}
