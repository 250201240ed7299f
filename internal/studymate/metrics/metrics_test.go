package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_ExportAndStats(t *testing.T) {
	m := &Metrics{startTime: time.Now()}

	m.RecordUpload()
	m.RecordIngestion("completed", 12)
	m.RecordIngestion("rejected", 0)
	m.RecordSearch(20*time.Millisecond, nil)
	m.RecordSearch(0, errors.New("boom"))
	m.RecordAsk(true, nil)
	m.RecordQuiz(5, 2, false)

	out := m.Export("studymate", "")
	assert.Contains(t, out, "# TYPE studymate_uploads_total counter")
	assert.Contains(t, out, "studymate_chunks_embedded_total 12\n")
	assert.Contains(t, out, "studymate_search_errors_total 1\n")
	assert.Contains(t, out, "studymate_quiz_questions_duplicate_total 2\n")

	stats := m.Stats()
	search := stats["search"].(map[string]interface{})
	assert.EqualValues(t, 2, search["total"])
	assert.InDelta(t, 0.02, search["avg_duration_secs"], 1e-9)

	m.Reset()
	assert.Contains(t, m.Export("studymate", "engine"), "studymate_engine_uploads_total 0\n")
}

func TestGet_ReturnsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
