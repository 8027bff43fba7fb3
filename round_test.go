/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundPublishValidation(t *testing.T) {
	for _, tc := range []struct {
		name     string
		question string
		answer   string
	}{
		{"empty question", "", "4"},
		{"blank question", "   ", "4"},
		{"oversized question", strings.Repeat("q", 201), "4"},
		{"empty answer", "2+2?", ""},
		{"blank answer", "2+2?", "   "},
		{"oversized answer", "2+2?", strings.Repeat("a", 51)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := &Round{}
			err := r.Publish("quinn", tc.question, tc.answer)
			require.Error(t, err)
			assert.False(t, r.Active(), "a rejected publish must not activate the round")
		})
	}
}

func TestRoundPublishActivates(t *testing.T) {
	r := &Round{}

	require.NoError(t, r.Publish("quinn", "Capital of France?", "Paris"))

	assert.True(t, r.Active())
	assert.Equal(t, "Capital of France?", r.Question())
	assert.Equal(t, "quinn", r.Moderator())
	assert.False(t, r.StartedAt().IsZero())
}

func TestRoundResolveNormalization(t *testing.T) {
	for _, submission := range []string{"Paris", " paris ", "PARIS", "paris"} {
		t.Run(submission, func(t *testing.T) {
			r := &Round{}
			require.NoError(t, r.Publish("quinn", "Capital of France?", "Paris"))

			answer, won := r.Resolve(submission)
			assert.True(t, won)
			assert.Equal(t, "paris", answer)
		})
	}
}

func TestRoundResolveMissKeepsRoundActive(t *testing.T) {
	r := &Round{}
	require.NoError(t, r.Publish("quinn", "Capital of France?", "Paris"))

	_, won := r.Resolve("lyon")
	assert.False(t, won)
	assert.True(t, r.Active())
	assert.Equal(t, "Capital of France?", r.Question())
}

func TestRoundResolveWinClearsInOneStep(t *testing.T) {
	r := &Round{}
	require.NoError(t, r.Publish("quinn", "2+2?", "4"))

	answer, won := r.Resolve("4")
	require.True(t, won)
	assert.Equal(t, "4", answer)

	// The winning transition and the clearing are one step: the round is
	// never won but still active.
	assert.False(t, r.Active())
	assert.Empty(t, r.Question())
	assert.Empty(t, r.Moderator())

	// A second identical submission finds a closed round.
	_, won = r.Resolve("4")
	assert.False(t, won)
}

func TestRoundResolveInactive(t *testing.T) {
	r := &Round{}

	_, won := r.Resolve("anything")
	assert.False(t, won)
}

func TestRoundPublishReplacesActiveRound(t *testing.T) {
	r := &Round{}
	require.NoError(t, r.Publish("quinn", "2+2?", "4"))
	require.NoError(t, r.Publish("quinn", "3+3?", "6"))

	_, won := r.Resolve("4")
	assert.False(t, won, "answers to the abandoned question must not win")

	_, won = r.Resolve("6")
	assert.True(t, won)
}

func TestRoundClearIdempotent(t *testing.T) {
	r := &Round{}
	r.Clear()
	r.Clear()

	assert.False(t, r.Active())
	assert.Empty(t, r.Question())
}

func TestNormalizeAnswer(t *testing.T) {
	assert.Equal(t, "paris", normalizeAnswer("  PARIS "))
	assert.Equal(t, "new york", normalizeAnswer("New York"))
	// Internal whitespace is preserved, not collapsed.
	assert.Equal(t, "new  york", normalizeAnswer("new  york"))
	assert.Equal(t, "", normalizeAnswer("   "))
}
