package main

import (
	"fmt"
	"time"
)

// Mode is the application mode: live webcam detection or single uploads.
type Mode string

const (
	ModeWebcam Mode = "webcam"
	ModeImage  Mode = "image"
)

const (
	MsgProcessing   = "Processing image..."
	MsgModelLoading = "Loading model..."
	MsgModelLoaded  = "Model loaded successfully!"
)

func modeMessage(mode Mode) string {
	if mode == ModeWebcam {
		return "Webcam mode selected"
	}
	return "Image mode selected"
}

func imageResultMessage(inference time.Duration, objects int) string {
	return fmt.Sprintf("Inference Time: %.2f ms | Objects detected: %d", float64(inference)/float64(time.Millisecond), objects)
}

func imageErrorMessage(err error) string {
	return "Error processing image: " + err.Error()
}

func modelErrorMessage(err error) string {
	return "Error loading model: " + err.Error()
}
