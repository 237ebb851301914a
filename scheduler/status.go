package scheduler

import (
	"fmt"
	"time"
)

const (
	MsgIdle    = "Select mode and click start to begin detection"
	MsgStarted = "Webcam detection started"
	MsgStopped = "Webcam detection stopped"
)

// Status is a point-in-time view of the scheduler for display.
type Status struct {
	RunID         string        `json:"run_id,omitempty"`
	Running       bool          `json:"running"`
	Message       string        `json:"message"`
	InferenceTime time.Duration `json:"inference_time"`
	Objects       int           `json:"objects"`
	Ticks         uint64        `json:"ticks"`
	Skipped       uint64        `json:"skipped"`
	Rendered      uint64        `json:"rendered"`
	Errors        uint64        `json:"errors"`
	Stale         uint64        `json:"stale"`
	LastError     string        `json:"last_error,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
}

func inferenceMessage(d time.Duration, objects int) string {
	return fmt.Sprintf("Inference Time: %.2f ms | Objects: %d", float64(d)/float64(time.Millisecond), objects)
}

func frameErrorMessage(err error) string {
	return "Error processing frame: " + err.Error()
}

func startErrorMessage(err error) string {
	return "Error starting webcam detection: " + err.Error()
}
