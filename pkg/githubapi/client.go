/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package githubapi locates and verifies the pull requests an agent run
// produces. The external API is a hint source only, so callers tolerate its
// failures.
package githubapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v61/github"
	"golang.org/x/oauth2"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/5dlabs/cto-sub002/pkg/util/logging"
)

// PullRequest is the slice of PR state the controller cares about.
type PullRequest struct {
	Number int
	URL    string
	State  string
	Merged bool
}

// PRLocator finds pull requests created by agent runs. FindPRForBranch
// returns (nil, nil) when no open PR exists for the branch.
type PRLocator interface {
	FindPRForBranch(ctx context.Context, repoURL string, taskID int64) (*PullRequest, error)
	VerifyPRCompletion(ctx context.Context, repoURL string, prNumber int) (bool, error)
}

// Client talks to the GitHub REST API with an installation or PAT token.
type Client struct {
	gh *github.Client
}

// NewClient builds an authenticated GitHub client. An empty token yields an
// unauthenticated client, which is enough for public repositories.
func NewClient(ctx context.Context, token string) *Client {
	if token == "" {
		return &Client{gh: github.NewClient(nil)}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Client{gh: github.NewClient(oauth2.NewClient(ctx, ts))}
}

// ParseRepoURL extracts owner and repo from https, ssh, or owner/repo forms.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	s := strings.TrimSuffix(repoURL, ".git")
	s = strings.TrimSuffix(s, "/")

	switch {
	case strings.HasPrefix(s, "git@"):
		// git@github.com:owner/repo
		_, after, found := strings.Cut(s, ":")
		if !found {
			return "", "", fmt.Errorf("invalid ssh repository URL: %s", repoURL)
		}
		s = after
	case strings.Contains(s, "://"):
		// https://github.com/owner/repo
		_, after, _ := strings.Cut(s, "://")
		parts := strings.SplitN(after, "/", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("invalid repository URL: %s", repoURL)
		}
		s = parts[1]
	}

	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository URL must contain owner and repo: %s", repoURL)
	}
	return parts[0], parts[1], nil
}

// FindPRForBranch looks for an open PR whose head branch follows the task
// naming convention. Closed PRs are ignored; the run may try again.
func (c *Client) FindPRForBranch(ctx context.Context, repoURL string, taskID int64) (*PullRequest, error) {
	logger := log.FromContext(ctx)

	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	branch := fmt.Sprintf("task-%d", taskID)

	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State: "open",
		Head:  fmt.Sprintf("%s:%s", owner, branch),
		ListOptions: github.ListOptions{
			PerPage: 10,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list PRs for %s/%s branch %s - %w", owner, repo, branch, err)
	}
	if len(prs) == 0 {
		logger.V(logutil.VERBOSE).Info("No open PR for branch", "repo", repoURL, "branch", branch)
		return nil, nil
	}

	pr := prs[0]
	logger.V(logutil.DEFAULT).Info("Found PR for branch", "repo", repoURL, "branch", branch,
		"prNumber", pr.GetNumber(), "prURL", pr.GetHTMLURL())
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		State:  pr.GetState(),
		Merged: pr.GetMerged(),
	}, nil
}

// VerifyPRCompletion reports whether the PR reached a terminal state, either
// merged or closed without merging.
func (c *Client) VerifyPRCompletion(ctx context.Context, repoURL string, prNumber int) (bool, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return false, err
	}

	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, prNumber)
	if err != nil {
		return false, fmt.Errorf("failed to get PR %s/%s#%d - %w", owner, repo, prNumber, err)
	}
	return pr.GetMerged() || pr.GetState() == "closed", nil
}
