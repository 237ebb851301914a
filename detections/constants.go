package detections

import "time"

const (
	InputWidth            = 640
	InputHeight           = 640
	DefaultScoreThreshold = 0.2
	DefaultIoUThreshold   = 0.45
	RetryAttempts         = 3
	RetryDelay            = 100 * time.Millisecond

	// boxChannels is the number of leading box channels (xc, yc, w, h) in a
	// raw prediction.
	boxChannels = 4
)
