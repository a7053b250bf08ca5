package experiment

import "fmt"

// Status is the lifecycle state of an experiment.
type Status int

const (
	Inactive Status = iota
	Stopped
	Starting
	Running
	Paused
	Stopping
)

var statusNames = map[Status]string{
	Inactive: "inactive",
	Stopped:  "stopped",
	Starting: "starting",
	Running:  "running",
	Paused:   "paused",
	Stopping: "stopping",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return Inactive, fmt.Errorf("unknown status %q", name)
}

// Active reports whether workers may be alive in this state.
func (s Status) Active() bool {
	return s == Starting || s == Running || s == Paused || s == Stopping
}
