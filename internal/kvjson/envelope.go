package kvjson

// Envelope is a structured process-exit report: a RunCards-style
// {status, complete, exit_code, events[]} record. It is used only by
// the CLI's own --report flag on exit — never by the routing fabric
// itself.
type Envelope struct {
	Status   string   `json:"status"`
	Complete bool     `json:"complete"`
	ExitCode int      `json:"exit_code"`
	Events   []string `json:"events"`
}

// NewEnvelope creates an empty envelope ready to be finalized by one of
// the State* constructors.
func NewEnvelope() *Envelope {
	return &Envelope{Events: []string{}}
}

// Log appends a free-text event note, mirroring runcards' add_event.
func (e *Envelope) Log(text string) {
	e.Events = append(e.Events, text)
}

// StateOK marks the envelope as a clean, complete exit (runcards'
// state_ok).
func (e *Envelope) StateOK() *Envelope {
	e.Complete = true
	e.Status = "ok"
	e.ExitCode = 0
	return e
}

// StateGenericError marks the envelope as a failed, incomplete exit
// (runcards' state_generic_error).
func (e *Envelope) StateGenericError() *Envelope {
	e.Complete = false
	e.Status = "generic-error"
	e.ExitCode = 1
	return e
}

// StateInvalidInput marks the envelope as rejected due to bad input
// (runcards' state_invalid_jobcard, renamed for a CLI that has flags,
// not job cards).
func (e *Envelope) StateInvalidInput() *Envelope {
	e.Complete = false
	e.Status = "invalid-input"
	e.ExitCode = 2
	return e
}

// StateExternalDependencyFailure marks the envelope as failed due to a
// dependency outside the process (runcards' state_external_dependency_failure)
// — used when the project directory or config file cannot be reached.
func (e *Envelope) StateExternalDependencyFailure() *Envelope {
	e.Complete = false
	e.Status = "external-dependency-failure"
	e.ExitCode = 3
	return e
}

// StatePartialCompletion marks the envelope as partially complete
// (runcards' state_partial_completion). No command in cmd/patchboard
// sets it: `run` reports ok after a draining shutdown whether or not
// undeliverable messages are left in OUTBOX.
func (e *Envelope) StatePartialCompletion() *Envelope {
	e.Complete = false
	e.Status = "partial-completion"
	e.ExitCode = 4
	return e
}

// Write atomically writes the envelope to path.
func (e *Envelope) Write(path string) error {
	return WriteAtomic(path, e)
}
