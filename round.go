/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxQuestionLen = 200
	maxAnswerLen   = 50
)

var (
	errEmptyQuestion = errors.New("question must not be empty")
	errEmptyAnswer   = errors.New("answer must not be empty")
)

// Round holds the lifecycle of the currently active question. The stored
// answer is kept normalized and is never written into any payload other
// than the round_won announcement after resolution.
//
// A Round is not safe for concurrent use; the owning Hub serializes all
// access under its mutex.
type Round struct {
	question   string
	answerNorm string
	active     bool
	moderator  string
	startedAt  time.Time
}

// normalizeAnswer is applied identically to the stored answer and to every
// submission: lower-case, trim surrounding whitespace. Internal whitespace
// and accents are left alone.
func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Publish validates and activates a new question, silently replacing any
// round already in flight. The previous question is simply abandoned;
// submissions against it fail the active check from then on.
func (r *Round) Publish(moderator, question, answer string) error {
	if strings.TrimSpace(question) == "" {
		return errEmptyQuestion
	}
	if len(question) > maxQuestionLen {
		return fmt.Errorf("question exceeds %d characters", maxQuestionLen)
	}

	norm := normalizeAnswer(answer)
	if norm == "" {
		return errEmptyAnswer
	}
	if len(answer) > maxAnswerLen {
		return fmt.Errorf("answer exceeds %d characters", maxAnswerLen)
	}

	r.question = question
	r.answerNorm = norm
	r.active = true
	r.moderator = moderator
	r.startedAt = time.Now()

	return nil
}

// Resolve compares a raw submission against the stored answer. On a match
// the round is deactivated and cleared in the same step, so a round is
// never observably won but still active; the cleared answer is returned
// for the winner announcement. On a miss nothing changes.
func (r *Round) Resolve(submission string) (answer string, won bool) {
	if !r.active {
		return "", false
	}

	if normalizeAnswer(submission) != r.answerNorm {
		return "", false
	}

	answer = r.answerNorm
	r.Clear()

	return answer, true
}

// Clear returns the round to idle. Clearing an idle round is a no-op.
func (r *Round) Clear() {
	r.question = ""
	r.answerNorm = ""
	r.active = false
	r.moderator = ""
	r.startedAt = time.Time{}
}

func (r *Round) Active() bool {
	return r.active
}

func (r *Round) Question() string {
	return r.question
}

func (r *Round) Moderator() string {
	return r.moderator
}

func (r *Round) StartedAt() time.Time {
	return r.startedAt
}
