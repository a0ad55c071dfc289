package runner

// State is a room supervisor's current stage.
type State string

const (
	Idle       State = "IDLE"
	Recording  State = "RECORDING"
	Processing State = "PROCESSING"
	Uploading  State = "UPLOADING"
	Error      State = "ERROR"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case Idle, Recording, Processing, Uploading, Error:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }
