package metrics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/Tutortoise/object-detection-service/models"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{models.ErrModelNotReady, "model_not_ready"},
		{fmt.Errorf("decode: %w", models.ErrMalformedOutput), "malformed_output"},
		{fmt.Errorf("prepare input: %w", models.ErrDegenerateInput), "degenerate_input"},
		{models.ErrDecode, "decode"},
		{models.ErrCaptureUnavailable, "capture"},
		{&models.InferenceError{Cause: errors.New("oom")}, "inference"},
		{&models.ModelLoadError{Cause: errors.New("missing")}, "model_load"},
		{errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}

func TestRecordError(t *testing.T) {
	before := testutil.ToFloat64(PipelineErrors.WithLabelValues("inference"))
	RecordError(&models.InferenceError{Cause: errors.New("oom")})
	assert.Equal(t, before+1, testutil.ToFloat64(PipelineErrors.WithLabelValues("inference")))
}

func TestObserveDetections(t *testing.T) {
	before := testutil.ToFloat64(DetectionsTotal.WithLabelValues("zebra"))
	ObserveDetections([]models.Detection{{Label: "zebra"}, {Label: "zebra"}})
	assert.Equal(t, before+2, testutil.ToFloat64(DetectionsTotal.WithLabelValues("zebra")))
}
