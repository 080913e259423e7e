package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamSubjects(t *testing.T) {
	// Explicit subjects must win so a stream can capture bare subjects
	// like "sets.changed" that no prefix wildcard covers.
	assert.Equal(t, []string{"sets.changed"},
		streamSubjects(PublisherOptions{StreamName: "OAI_SETS", Subjects: []string{"sets.changed"}}))

	assert.Equal(t, []string{"OAI_SETS.>"},
		streamSubjects(PublisherOptions{StreamName: "OAI_SETS"}))

	assert.Equal(t, []string{"events.>"},
		streamSubjects(PublisherOptions{StreamName: "OAI_SETS", SubjectPrefix: "events"}))
}
