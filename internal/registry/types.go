package registry

import "time"

// Status is a tool server's lifecycle state. Transitions between statuses are
// owned exclusively by the supervisor; the registry persists whatever the
// supervisor decides.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusDisabled Status = "disabled"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusStarting, StatusRunning, StatusDegraded,
		StatusFailed, StatusDisabled, StatusStopping, StatusStopped:
		return true
	}
	return false
}

// Serving reports whether a server in this status is reachable for tool calls.
func (s Status) Serving() bool {
	return s == StatusRunning || s == StatusDegraded
}

// ToolServer is the durable record of one tool provider process.
type ToolServer struct {
	ID          string
	Name        string
	DisplayName string

	// Spawn parameters. Command/Args/Env are ignored for builtin servers,
	// which run in-process under their registered name.
	Command string
	Args    []string
	Env     map[string]string

	// HealthAddr, when set, switches health probing to the gRPC
	// grpc.health.v1 protocol against this address instead of the stdio ping.
	HealthAddr string

	Builtin    bool
	AutoStart  bool
	AutoUpdate bool

	Status              Status
	MaxFailures         int
	ConsecutiveFailures int
	LastHealthCheckAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
