// Package review opens code review requests for tasks that pass their
// battery.
package review

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"taskgate/internal/config"
	"taskgate/internal/domain"
)

// Requester opens (or finds) a review request for branch and returns its
// identifier.
type Requester interface {
	RequestReview(ctx context.Context, t domain.Task, branch, base string) (string, error)
}

// GitHub opens pull requests.
type GitHub struct {
	Client *github.Client
	Owner  string
	Repo   string
	Base   string
}

// NewGitHub builds a client authenticated with the token found in the
// environment variable named by cfg.TokenEnv.
func NewGitHub(ctx context.Context, cfg config.GitHubConfig, getenv func(string) string) (*GitHub, error) {
	token := strings.TrimSpace(getenv(cfg.TokenEnv))
	if token == "" {
		return nil, fmt.Errorf("GitHub token not set in %s", cfg.TokenEnv)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.APIURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("review.github.api_url: %w", err)
		}
		client.BaseURL = u
	}
	return &GitHub{Client: client, Owner: cfg.Owner, Repo: cfg.Repo, Base: cfg.Base}, nil
}

// RequestReview reuses an open pull request for the branch when one exists.
func (g *GitHub) RequestReview(ctx context.Context, t domain.Task, branch, base string) (string, error) {
	if branch == "" {
		return "", fmt.Errorf("no branch to open a pull request from")
	}
	if g.Base != "" {
		base = g.Base
	}
	if base == "" || base == branch {
		return "", fmt.Errorf("branch %s has no distinct base", branch)
	}
	open, _, err := g.Client.PullRequests.List(ctx, g.Owner, g.Repo, &github.PullRequestListOptions{
		State: "open",
		Head:  g.Owner + ":" + branch,
	})
	if err != nil {
		return "", fmt.Errorf("list pull requests: %w", err)
	}
	if len(open) > 0 {
		return open[0].GetHTMLURL(), nil
	}
	pr, _, err := g.Client.PullRequests.Create(ctx, g.Owner, g.Repo, &github.NewPullRequest{
		Title: github.String(fmt.Sprintf("%s: %s", t.ID, t.Title)),
		Head:  github.String(branch),
		Base:  github.String(base),
		Body:  github.String(body(t)),
	})
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	return pr.GetHTMLURL(), nil
}

func body(t domain.Task) string {
	var b strings.Builder
	if t.Goal != "" {
		fmt.Fprintf(&b, "%s\n\n", t.Goal)
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- [ ] %s\n", c)
		}
	}
	return b.String()
}
