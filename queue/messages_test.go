package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageActions(t *testing.T) {
	assert.Equal(t, "ingest", IngestMessage{}.Action())
	assert.Equal(t, "regest", RegestMessage{}.Action())
	assert.Equal(t, "expel", ExpelMessage{}.Action())
	assert.Equal(t, "report", ReportMessage{}.Action())
}

func TestIngestMessageValidate(t *testing.T) {
	msg := IngestMessage{TeamID: 1, BotID: 2, SourceID: 3, IndexID: "idx", Type: "url"}
	require.NoError(t, msg.Validate())

	assert.Error(t, IngestMessage{BotID: 2, SourceID: 3, IndexID: "idx", Type: "url"}.Validate())
	assert.Error(t, IngestMessage{TeamID: 1, BotID: 2, SourceID: 3, Type: "url"}.Validate())
	assert.Error(t, IngestMessage{TeamID: 1, BotID: 2, SourceID: 3, IndexID: "idx"}.Validate())
}

func TestRegestMessageValidate(t *testing.T) {
	require.NoError(t, RegestMessage{TeamID: 1, BotID: 2, SourceID: 3, IndexID: "idx"}.Validate())
	assert.Error(t, RegestMessage{TeamID: 1, BotID: 2, IndexID: "idx"}.Validate())
	assert.Error(t, RegestMessage{TeamID: 1, BotID: 2, SourceID: 3}.Validate())
}

func TestExpelMessageValidate(t *testing.T) {
	require.NoError(t, ExpelMessage{TeamID: 1, BotID: 2, SourceID: 3, IndexID: "idx"}.Validate())
	assert.Error(t, ExpelMessage{TeamID: 1, SourceID: 3, IndexID: "idx"}.Validate())
}

func TestReportMessageValidate(t *testing.T) {
	require.NoError(t, ReportMessage{TeamID: 1, Month: "2026-03", Email: "ops@acme.test"}.Validate())
	assert.Error(t, ReportMessage{Month: "2026-03", Email: "ops@acme.test"}.Validate())
	assert.Error(t, ReportMessage{TeamID: 1, Email: "ops@acme.test"}.Validate())
	assert.Error(t, ReportMessage{TeamID: 1, Month: "2026-03"}.Validate())
}
