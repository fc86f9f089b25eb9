package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

func TestChatReconciliation(t *testing.T) {
	f := newFixture(t)

	steps := []string{
		`{"type":"chat","event":"chat","runId":"c1","parentRunId":"thread","timestamp":"2024-01-01T00:00:01Z","message":{"role":"user","content":"hi"}}`,
		`{"type":"chat","event":"chat","runId":"c2","parentRunId":"thread","timestamp":"2024-01-01T00:00:02Z","message":{"role":"assistant","content":"hello"}}`,
		`{"type":"chat","event":"chat","runId":"c3","parentRunId":"thread","timestamp":"2024-01-01T00:00:03Z","message":{"role":"user","content":"again"}}`,
		`{"type":"chat","event":"chat","runId":"c4","parentRunId":"thread","timestamp":"2024-01-01T00:00:04Z","message":{"role":"user","content":"more"}}`,
	}
	for _, step := range steps {
		results := f.ingest(t, step)
		require.Len(t, results, 1)
		require.True(t, results[0].Success, results[0].Error)
	}

	thread := f.run(t, "thread")
	assert.Equal(t, domain.RunTypeThread, thread.Type)

	first := f.run(t, "c1")
	assert.Equal(t, domain.RunTypeChat, first.Type)
	assert.Equal(t, "thread", first.ParentRunID)
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, string(first.Input))
	assert.JSONEq(t, `[{"role":"assistant","content":"hello"}]`, string(first.Output))

	second := f.run(t, "c3")
	assert.JSONEq(t, `[{"role":"user","content":"again"},{"role":"user","content":"more"}]`, string(second.Input))
	assert.Empty(t, second.Output)

	for _, id := range []string{"c2", "c4"} {
		run, err := f.store.GetRunByID(t.Context(), testProjectID, id)
		require.NoError(t, err)
		assert.Nil(t, run, "%s is folded into an existing exchange", id)
	}
}

func TestChatRetryForksSibling(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, `{"type":"chat","event":"chat","runId":"c1","parentRunId":"thread","timestamp":"2024-01-01T00:00:01Z","message":{"role":"user","content":"hi"}}`)
	f.ingest(t, `{"type":"chat","event":"chat","runId":"c2","parentRunId":"thread","timestamp":"2024-01-01T00:00:02Z","message":{"role":"assistant","content":"first answer"}}`)
	results := f.ingest(t, `{"type":"chat","event":"chat","runId":"c3","parentRunId":"thread","timestamp":"2024-01-01T00:00:03Z","message":{"role":"assistant","content":"second answer","isRetry":true}}`)
	require.True(t, results[0].Success, results[0].Error)

	retry := f.run(t, "c3")
	assert.Equal(t, "c1", retry.SiblingRunID)
	assert.Equal(t, "thread", retry.ParentRunID)
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, string(retry.Input))
	assert.JSONEq(t, `[{"role":"assistant","content":"second answer"}]`, string(retry.Output))
}

func TestChatRequiresMessage(t *testing.T) {
	f := newFixture(t)

	results := f.ingest(t,
		`{"type":"chat","event":"chat","runId":"c1","timestamp":"2024-01-01T00:00:01Z","message":{"role":"user","content":"hi"}}`,
		`{"type":"chat","event":"chat","runId":"c2","parentRunId":"thread","timestamp":"2024-01-01T00:00:02Z"}`,
	)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
	}
}

func TestAppendMessage(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		want   string
	}{
		{name: "empty", stored: "", want: `[{"n":1}]`},
		{name: "null", stored: "null", want: `[{"n":1}]`},
		{name: "list", stored: `[{"n":0}]`, want: `[{"n":0},{"n":1}]`},
		{name: "scalar", stored: `"text"`, want: `["text",{"n":1}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := appendMessage([]byte(tt.stored), []byte(`{"n":1}`))
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
