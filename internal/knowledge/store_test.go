package knowledge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaypoint/supervisor/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestStore_CreateGetUpdateDelete(t *testing.T) {
	s, err := NewStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	var events []Event
	s.Subscribe(func(e Event) { events = append(events, e) })

	entry, err := s.Create(CreateRequest{Type: TypeQuestion, Title: "why?", Body: "because"})
	require.NoError(t, err)
	require.Equal(t, "QUESTION_1", entry.ID)
	require.Equal(t, StatusOpen, entry.Status)

	got, err := s.Get(entry.ID)
	require.NoError(t, err)
	require.Equal(t, "why?", got.Title)
	require.Equal(t, "because", got.Body)

	newTitle := "why though?"
	completed := StatusCompleted
	updated, err := s.Update(entry.ID, UpdateRequest{Title: &newTitle, Status: &completed})
	require.NoError(t, err)
	require.Equal(t, "why though?", updated.Title)
	require.Equal(t, StatusCompleted, updated.Status)

	// File moved to the completed/ bucket; re-reading by id still works.
	got2, err := s.Get(entry.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got2.Status)

	require.NoError(t, s.Delete(entry.ID))
	_, err = s.Get(entry.ID)
	require.Error(t, err)

	var topics []Topic
	for _, e := range events {
		topics = append(topics, e.Topic)
	}
	require.Contains(t, topics, TopicCreated)
	require.Contains(t, topics, TopicUpdated)
	require.Contains(t, topics, TopicAccepted)
	require.Contains(t, topics, TopicDeleted)
}

func TestStore_SequentialIDsPerType(t *testing.T) {
	s, err := NewStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	a, err := s.Create(CreateRequest{Type: TypeNote, Title: "first"})
	require.NoError(t, err)
	b, err := s.Create(CreateRequest{Type: TypeNote, Title: "second"})
	require.NoError(t, err)
	c, err := s.Create(CreateRequest{Type: TypeIssue, Title: "bug"})
	require.NoError(t, err)

	require.Equal(t, "NOTE_1", a.ID)
	require.Equal(t, "NOTE_2", b.ID)
	require.Equal(t, "ISSUE_1", c.ID)
}

func TestStore_Link(t *testing.T) {
	s, err := NewStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	q, err := s.Create(CreateRequest{Type: TypeQuestion, Title: "q"})
	require.NoError(t, err)
	ans, err := s.Create(CreateRequest{Type: TypeAnswer, Title: "a"})
	require.NoError(t, err)

	linked, err := s.Link(q.ID, ans.ID)
	require.NoError(t, err)
	require.Contains(t, linked.Body, "[["+ans.ID+"]]")
}

func TestStore_ListFilters(t *testing.T) {
	s, err := NewStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	_, err = s.Create(CreateRequest{Type: TypeIssue, Title: "bug one", Tags: []string{"urgent"}})
	require.NoError(t, err)
	_, err = s.Create(CreateRequest{Type: TypeNote, Title: "note one"})
	require.NoError(t, err)

	issues, err := s.List(Filter{Type: TypeIssue})
	require.NoError(t, err)
	require.Len(t, issues, 1)

	urgent, err := s.List(Filter{Tag: "urgent"})
	require.NoError(t, err)
	require.Len(t, urgent, 1)

	all, err := s.List(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestStore_ReloadsCountersFromDisk(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir, testLogger(t))
	require.NoError(t, err)
	_, err = s1.Create(CreateRequest{Type: TypeMilestone, Title: "m1"})
	require.NoError(t, err)

	s2, err := NewStore(dir, testLogger(t))
	require.NoError(t, err)
	next, err := s2.Create(CreateRequest{Type: TypeMilestone, Title: "m2"})
	require.NoError(t, err)
	require.Equal(t, "MILESTONE_2", next.ID)
}
