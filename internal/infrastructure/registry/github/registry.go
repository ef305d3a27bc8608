package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/infrastructure/resilience"
)

const (
	DefaultTimeout = 10 * time.Second

	// DefaultRequestsPerSecond stays under the authenticated 5000/hour quota.
	DefaultRequestsPerSecond = 1.2

	SourceName = "github"

	KindIssue       = "issue"
	KindPullRequest = "pull_request"

	StatusMerged = "merged"
)

type Options struct {
	Token             string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// ResilienceExecutor is optional.
	ResilienceExecutor *resilience.Executor
}

// Registry resolves live issue and pull request state from the GitHub API.
// Entity ids have the form owner/repo#number.
type Registry struct {
	gh       *gh.Client
	limiter  *rate.Limiter
	executor *resilience.Executor
}

func New(ctx context.Context, opts Options) (*Registry, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var httpClient *http.Client
	if token := strings.TrimSpace(opts.Token); token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = timeout

	client := gh.NewClient(httpClient)
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Registry{
		gh:       client,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		executor: opts.ResilienceExecutor,
	}, nil
}

func (r *Registry) Lookup(ctx context.Context, key domain.LookupKey) (*domain.AuthoritativeRecord, error) {
	owner, repo, number, err := ParseEntityID(key.EntityID)
	if err != nil {
		// Chunk-only keys and bare numbers are left to other registries.
		return nil, domain.WrapError(domain.ErrNotFound, "github lookup", err)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("github rate limit wait: %w", err)
	}

	return resilience.Call(ctx, r.executor, "github.lookup", func(ctx context.Context) (*domain.AuthoritativeRecord, error) {
		return r.fetch(ctx, owner, repo, number)
	}, classifyGitHubError)
}

func (r *Registry) fetch(ctx context.Context, owner, repo string, number int) (*domain.AuthoritativeRecord, error) {
	issue, _, err := r.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, wrapGitHubError("get issue", err)
	}

	rec := &domain.AuthoritativeRecord{
		EntityID:  domain.IssueEntityID(owner+"/"+repo, strconv.Itoa(number)),
		Kind:      KindIssue,
		Status:    issue.GetState(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		Source:    SourceName,
		URI:       issue.GetHTMLURL(),
		Author:    issue.GetUser().GetLogin(),
		UpdatedAt: issue.GetUpdatedAt().Time,
	}
	if !issue.IsPullRequest() {
		return rec, nil
	}

	rec.Kind = KindPullRequest
	pr, _, err := r.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, wrapGitHubError("get pull request", err)
	}
	if pr.GetMerged() {
		rec.Status = StatusMerged
	}
	if updated := pr.GetUpdatedAt().Time; updated.After(rec.UpdatedAt) {
		rec.UpdatedAt = updated
	}
	return rec, nil
}

// ParseEntityID splits owner/repo#number.
func ParseEntityID(entityID string) (owner, repo string, number int, err error) {
	id := strings.TrimSpace(entityID)
	repoPart, numPart, ok := strings.Cut(id, "#")
	if !ok {
		return "", "", 0, fmt.Errorf("entity id %q is not an issue reference", entityID)
	}
	owner, repo, ok = strings.Cut(repoPart, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", 0, fmt.Errorf("entity id %q has no owner/repo", entityID)
	}
	number, err = strconv.Atoi(numPart)
	if err != nil || number <= 0 {
		return "", "", 0, fmt.Errorf("entity id %q has invalid number", entityID)
	}
	return owner, repo, number, nil
}

func wrapGitHubError(operation string, err error) error {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return domain.WrapError(domain.ErrNotFound, "github "+operation, err)
	}
	if classifyGitHubError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, "github "+operation, err)
	}
	return fmt.Errorf("github %s: %w", operation, err)
}

func classifyGitHubError(err error) resilience.ErrorClassification {
	if err == nil || resilience.IsContextError(err) || domain.IsKind(err, domain.ErrNotFound) {
		return resilience.ErrorClassification{}
	}

	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 500 {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}
