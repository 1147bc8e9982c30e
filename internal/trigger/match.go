// Package trigger decides whether an incoming event starts a workflow run and
// delivers such events from webhooks and cron schedules.
package trigger

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/shibzuko/ciflow/internal/pipeline"
)

const (
	branchRefPrefix      = "refs/heads/"
	tagRefPrefix         = "refs/tags/"
	negatedPatternPrefix = "!"
)

// Event describes something that may start a run.
type Event struct {
	Name         string   `json:"event"`
	Ref          string   `json:"ref,omitempty"`
	BaseRef      string   `json:"base_ref,omitempty"`
	SHA          string   `json:"sha,omitempty"`
	Schedule     string   `json:"schedule,omitempty"`
	Repository   string   `json:"repository,omitempty"`
	Actor        string   `json:"actor,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// RefName returns the short branch or tag name of the event ref.
func (event Event) RefName() string {
	return shortRef(event.Ref)
}

// Matches reports whether event starts a run of a workflow declaring triggers.
func Matches(triggers pipeline.Triggers, event Event) bool {
	switch strings.TrimSpace(event.Name) {
	case pipeline.EventPush:
		return triggers.Push != nil && matchesPush(*triggers.Push, event)
	case pipeline.EventPullRequest:
		return triggers.PullRequest != nil && matchesPullRequest(*triggers.PullRequest, event)
	case pipeline.EventSchedule:
		return matchesSchedule(triggers.Schedules, event.Schedule)
	case pipeline.EventWorkflowDispatch:
		return triggers.WorkflowDispatch
	default:
		return false
	}
}

// matchesPush applies branch filters to branch pushes and tag filters to tag pushes. When only
// one kind of filter is declared, refs of the other kind do not match.
func matchesPush(filter pipeline.BranchFilter, event Event) bool {
	branchFiltered := len(filter.Branches) > 0 || len(filter.BranchesIgnore) > 0
	tagFiltered := len(filter.Tags) > 0

	var refMatches bool
	switch {
	case strings.HasPrefix(event.Ref, tagRefPrefix):
		tag := strings.TrimPrefix(event.Ref, tagRefPrefix)
		switch {
		case tagFiltered:
			refMatches = matchPatternList(filter.Tags, tag)
		default:
			refMatches = !branchFiltered
		}
	default:
		branch := shortRef(event.Ref)
		switch {
		case branchFiltered:
			refMatches = matchBranchFilter(filter, branch)
		default:
			refMatches = !tagFiltered
		}
	}
	return refMatches && matchesPaths(filter.Paths, event.ChangedFiles)
}

// matchesPullRequest applies the branch filter to the pull request base branch.
func matchesPullRequest(filter pipeline.BranchFilter, event Event) bool {
	if len(filter.Branches) > 0 || len(filter.BranchesIgnore) > 0 {
		if !matchBranchFilter(filter, shortRef(event.BaseRef)) {
			return false
		}
	}
	return matchesPaths(filter.Paths, event.ChangedFiles)
}

func matchBranchFilter(filter pipeline.BranchFilter, branch string) bool {
	if branch == "" {
		return false
	}
	if len(filter.Branches) > 0 && !matchPatternList(filter.Branches, branch) {
		return false
	}
	if len(filter.BranchesIgnore) > 0 && matchPatternList(filter.BranchesIgnore, branch) {
		return false
	}
	return true
}

// matchesPaths passes events whose changed files are unknown.
func matchesPaths(patterns []string, changedFiles []string) bool {
	if len(patterns) == 0 || len(changedFiles) == 0 {
		return true
	}
	for _, changedFile := range changedFiles {
		if matchPatternList(patterns, changedFile) {
			return true
		}
	}
	return false
}

func matchesSchedule(schedules []string, expression string) bool {
	if len(schedules) == 0 {
		return false
	}
	trimmed := normalizeCron(expression)
	if trimmed == "" {
		return true
	}
	for _, schedule := range schedules {
		if normalizeCron(schedule) == trimmed {
			return true
		}
	}
	return false
}

func normalizeCron(expression string) string {
	return strings.Join(strings.Fields(expression), " ")
}

// matchPatternList evaluates patterns in order; a later "!pattern" match excludes a name an
// earlier pattern included.
func matchPatternList(patterns []string, name string) bool {
	matched := false
	for _, pattern := range patterns {
		trimmed := strings.TrimSpace(pattern)
		if strings.HasPrefix(trimmed, negatedPatternPrefix) {
			if matched && MatchPattern(strings.TrimPrefix(trimmed, negatedPatternPrefix), name) {
				matched = false
			}
			continue
		}
		if !matched && MatchPattern(trimmed, name) {
			matched = true
		}
	}
	return matched
}

// MatchPattern matches a ref or path name against a glob where "*" and "?" stay within one
// slash-separated segment and a "**" segment spans any number of segments. Malformed patterns
// never match.
func MatchPattern(pattern string, name string) bool {
	matched, matchError := doublestar.Match(pattern, name)
	return matchError == nil && matched
}

func shortRef(ref string) string {
	trimmed := strings.TrimSpace(ref)
	trimmed = strings.TrimPrefix(trimmed, branchRefPrefix)
	return strings.TrimPrefix(trimmed, tagRefPrefix)
}
