package scanning

// State is a stage of a scan.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StatePreprocessing
	StateRecognizing
	StateExtracting
	StateLowConfidence
	StateRetryPass
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StatePreprocessing:
		return "preprocessing"
	case StateRecognizing:
		return "recognizing"
	case StateExtracting:
		return "extracting"
	case StateLowConfidence:
		return "low confidence"
	case StateRetryPass:
		return "retry pass"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// StateObserver is told about every state transition. After a timeout the
// abandoned pass may still report from its own goroutine, so observers must
// be safe for concurrent use.
type StateObserver func(State)
