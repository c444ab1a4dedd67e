// Package jobview derives display lists and counters from a registry snapshot.
//
// Everything here is pure: callers pass a snapshot and get a new slice back.
package jobview

import (
	"sort"
	"strings"

	"github.com/3leaps/foldwatch/pkg/jobregistry"
)

// DashboardRecent is how many jobs the dashboard lists.
const DashboardRecent = 5

// Filter selects jobs for the history view. Zero values disable each clause.
type Filter struct {
	Status jobregistry.Status
	Search string
}

// Apply filters by status, then by case-insensitive ID substring, and sorts
// the result newest first. Jobs without a timestamp sort last and keep their
// relative order.
func Apply(jobs []jobregistry.Job, f Filter) []jobregistry.Job {
	search := strings.ToLower(strings.TrimSpace(f.Search))

	out := make([]jobregistry.Job, 0, len(jobs))
	for _, j := range jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(j.ID), search) {
			continue
		}
		out = append(out, j)
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders jobs by CreatedAt descending in place.
func SortNewestFirst(jobs []jobregistry.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i].CreatedAt, jobs[k].CreatedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

// Recent returns the n newest jobs.
func Recent(jobs []jobregistry.Job, n int) []jobregistry.Job {
	sorted := Apply(jobs, Filter{})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// Stats are the dashboard counters.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Active    int `json:"active"`
	Failed    int `json:"failed"`
}

// Summarize counts jobs per dashboard bucket. Queued and Processing both
// count as active.
func Summarize(jobs []jobregistry.Job) Stats {
	s := Stats{Total: len(jobs)}
	for _, j := range jobs {
		switch {
		case j.Status == jobregistry.StatusCompleted:
			s.Completed++
		case j.Status == jobregistry.StatusFailed:
			s.Failed++
		case j.Status.IsActive():
			s.Active++
		}
	}
	return s
}
