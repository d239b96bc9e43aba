package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRun(t *testing.T) {
	RecordRun("metrics-shop", "succeeded", 3*time.Second, map[string]int{
		"created": 2,
		"skipped": 1,
		"updated": 0,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(feedRunsTotal.WithLabelValues("metrics-shop", "succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(feedItemsTotal.WithLabelValues("metrics-shop", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(feedItemsTotal.WithLabelValues("metrics-shop", "skipped")))
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, "2xx", classifyStatus(202))
	assert.Equal(t, "4xx", classifyStatus(409))
	assert.Equal(t, "5xx", classifyStatus(503))
	assert.Equal(t, "unknown", classifyStatus(0))
}
