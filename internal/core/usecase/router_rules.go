package usecase

import (
	"regexp"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

const githubSource = "github"

var (
	repoIssueRefPattern = regexp.MustCompile(`\b([A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+)#(\d+)\b`)
	keywordIssuePattern = regexp.MustCompile(`(?i)\b(?:issue|pr|pull request|pull|ticket|bug)\s*#?\s*(\d+)\b`)
	hashIssuePattern    = regexp.MustCompile(`(?:^|[\s(\[])#(\d+)\b`)
	statusTokenPattern  = regexp.MustCompile(`(?i)\b(?:status|state|open|opened|closed|merged|resolved|fixed)\b`)
	issueNounPattern    = regexp.MustCompile(`(?i)\b(?:issues?|prs?|pull requests?|tickets?|bugs?)\b`)
)

// routeRule is one deterministic pre-filter entry. Every pattern in all must
// match; capture, when set, supplies the issue number (numberGroup) and
// optionally the repository (repoGroup). An advisory rule does not bypass
// the classifier; its decision only replaces the UNKNOWN fallback.
type routeRule struct {
	name        string
	intent      domain.Intent
	confidence  float64
	all         []*regexp.Regexp
	capture     *regexp.Regexp
	numberGroup int
	repoGroup   int
	advisory    bool
}

// defaultRouteRules is evaluated in order; the first match wins.
func defaultRouteRules() []routeRule {
	return []routeRule{
		{
			name:        "repo_issue_with_status",
			intent:      domain.IntentGitHubStatus,
			confidence:  0.99,
			all:         []*regexp.Regexp{repoIssueRefPattern, statusTokenPattern},
			capture:     repoIssueRefPattern,
			numberGroup: 2,
			repoGroup:   1,
		},
		{
			name:        "issue_with_status",
			intent:      domain.IntentGitHubStatus,
			confidence:  0.97,
			all:         []*regexp.Regexp{keywordIssuePattern, statusTokenPattern},
			capture:     keywordIssuePattern,
			numberGroup: 1,
		},
		{
			name:        "hash_ref_with_status",
			intent:      domain.IntentGitHubStatus,
			confidence:  0.95,
			all:         []*regexp.Regexp{hashIssuePattern, statusTokenPattern},
			capture:     hashIssuePattern,
			numberGroup: 1,
		},
		{
			name:        "repo_issue_ref",
			intent:      domain.IntentGitHubStatus,
			confidence:  0.9,
			all:         []*regexp.Regexp{repoIssueRefPattern},
			capture:     repoIssueRefPattern,
			numberGroup: 2,
			repoGroup:   1,
		},
		{
			name:        "issue_ref",
			intent:      domain.IntentGitHubStatus,
			confidence:  0.85,
			all:         []*regexp.Regexp{keywordIssuePattern},
			capture:     keywordIssuePattern,
			numberGroup: 1,
		},
		{
			name:       "status_keywords",
			intent:     domain.IntentGitHubStatus,
			confidence: 0.6,
			all:        []*regexp.Regexp{issueNounPattern, statusTokenPattern},
			advisory:   true,
		},
	}
}

func (r routeRule) apply(text string) (map[string]string, bool) {
	for _, p := range r.all {
		if !p.MatchString(text) {
			return nil, false
		}
	}

	entities := make(map[string]string, 2)
	if r.capture == nil {
		return entities, true
	}
	m := r.capture.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	if r.numberGroup > 0 && r.numberGroup < len(m) {
		entities[domain.EntityIssueNumber] = m[r.numberGroup]
	}
	if r.repoGroup > 0 && r.repoGroup < len(m) {
		entities[domain.EntityRepo] = m[r.repoGroup]
	}
	return entities, true
}
