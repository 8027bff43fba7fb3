/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import "sort"

// ScoreEntry is one leaderboard row as sent to clients.
type ScoreEntry struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// Ledger maps display names to scores for the lifetime of one room.
// Registration seeds a zero entry so the leaderboard lists every
// participant, not just past winners. Scores only ever go up; the whole
// table is dropped at once by Clear.
//
// Not safe for concurrent use; the owning Hub serializes all access.
type Ledger struct {
	scores map[string]int
	order  []string // insertion order, used as the stable tie-break
}

func newLedger() *Ledger {
	return &Ledger{
		scores: make(map[string]int),
	}
}

// EnsureEntry seeds a zero score for name if absent. Idempotent.
func (l *Ledger) EnsureEntry(name string) {
	if _, ok := l.scores[name]; ok {
		return
	}
	l.scores[name] = 0
	l.order = append(l.order, name)
}

// Increment adds one point and returns the new score. Registration always
// seeds first, so the create-at-1 path is purely defensive.
func (l *Ledger) Increment(name string) int {
	if _, ok := l.scores[name]; !ok {
		l.order = append(l.order, name)
	}
	l.scores[name]++
	return l.scores[name]
}

// Snapshot returns a copy of the table ordered by descending score,
// ties broken by who registered first.
func (l *Ledger) Snapshot() []ScoreEntry {
	entries := make([]ScoreEntry, 0, len(l.order))
	for _, name := range l.order {
		entries = append(entries, ScoreEntry{
			Name:  name,
			Score: l.scores[name],
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})

	return entries
}

func (l *Ledger) Score(name string) int {
	return l.scores[name]
}

func (l *Ledger) Len() int {
	return len(l.scores)
}

// Clear drops every entry. Used only by game reset.
func (l *Ledger) Clear() {
	l.scores = make(map[string]int)
	l.order = nil
}
