package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedcatalog/internal/ingest"
	"feedcatalog/pkg/config"
)

func failedRun() ingest.RunEvent {
	return ingest.RunEvent{
		RunID:     "run-7",
		Shop:      "ekos",
		Status:    ingest.StateFailed,
		Error:     "malformed feed: not well-formed <eof>",
		ElapsedMs: 1500,
		Stats: ingest.Stats{
			ItemsSeen:    12,
			ItemsSkipped: 2,
			SkipReasons:  map[string]int{"missing_title": 1, "invalid_price": 1},
		},
	}
}

func TestRenderRunFailed(t *testing.T) {
	subject, body, err := renderRunFailed(failedRun())
	require.NoError(t, err)

	assert.Equal(t, "Feed run failed for ekos", subject)
	assert.Contains(t, body, "run-7")
	assert.Contains(t, body, "1.5s")
	assert.Contains(t, body, "not well-formed &lt;eof&gt;", "error text is escaped")
	assert.Contains(t, body, "<li>invalid_price: 1</li><li>missing_title: 1</li>")
}

func TestRunFailedSendsToRecipient(t *testing.T) {
	es := NewEmailService(config.Alert{To: "ops@example.com"})
	var to, subject string
	es.send = func(gotTo, _, gotSubject string) error {
		to, subject = gotTo, gotSubject
		return nil
	}

	require.NoError(t, es.RunFailed(context.Background(), failedRun()))
	assert.Equal(t, "ops@example.com", to)
	assert.Equal(t, "Feed run failed for ekos", subject)

	boom := errors.New("smtp down")
	es.send = func(string, string, string) error { return boom }
	assert.ErrorIs(t, es.RunFailed(context.Background(), failedRun()), boom)
}

func TestRunFailedWithoutRecipientIsNoop(t *testing.T) {
	es := NewEmailService(config.Alert{})
	es.send = func(string, string, string) error {
		t.Fatal("no mail expected")
		return nil
	}
	assert.NoError(t, es.RunFailed(context.Background(), failedRun()))
}
