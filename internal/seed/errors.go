package seed

import "errors"

var (
	// ErrJobNotFound is returned when a job id is not (or no longer) registered
	ErrJobNotFound = errors.New("seed: job not found")
	// ErrTaskNotFound is returned when a task id is not (or no longer) registered
	ErrTaskNotFound = errors.New("seed: task not found")
	// ErrIllegalState is returned when a task is run outside READY
	ErrIllegalState = errors.New("seed: illegal task state")
	// ErrNoTasks is returned when folding the state of a job without tasks
	ErrNoTasks = errors.New("seed: job has no tasks")
	// ErrBreederStopped is returned by dispatch after Stop
	ErrBreederStopped = errors.New("seed: breeder stopped")
)
