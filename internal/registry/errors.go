package registry

import sserr "github.com/stricklysoft/agentcoord/pkg/errors"

var (
	errEmptyID               = sserr.Validation("registry: agent ID must not be empty")
	errTasksExceedCapacity   = sserr.Validation("registry: tasks_running exceeds max_concurrent_tasks")
	errCurrentTaskWithoutBusy = sserr.Validation("registry: current_task set while status is not Busy")
	errBusyWithoutCurrentTask = sserr.Validation("registry: status Busy requires a current_task")
	errDownAgentNotOffline   = sserr.Validation("registry: health Down forbids status Idle or Busy")
)

// errAlreadyExists is returned by Register when an agent with the given
// ID is already present.
func errAlreadyExists(id string) error {
	return sserr.Conflict("registry: agent " + id + " already registered")
}

// errRegistrationFailed is returned by Register when the registry is at
// capacity.
func errRegistrationFailed(max int) error {
	return sserr.Capacityf("registry: at capacity (max_agents=%d)", max)
}

// errNotFound is returned by operations that require an existing agent.
func errNotFound(id string) error {
	return sserr.NotFound("registry: agent " + id + " not found")
}
