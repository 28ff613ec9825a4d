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

package githubapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v61/github"
)

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{name: "https", url: "https://github.com/5dlabs/platform", wantOwner: "5dlabs", wantRepo: "platform"},
		{name: "https with .git", url: "https://github.com/5dlabs/platform.git", wantOwner: "5dlabs", wantRepo: "platform"},
		{name: "ssh", url: "git@github.com:5dlabs/platform.git", wantOwner: "5dlabs", wantRepo: "platform"},
		{name: "short form", url: "5dlabs/platform", wantOwner: "5dlabs", wantRepo: "platform"},
		{name: "missing repo", url: "https://github.com/5dlabs", wantErr: true},
		{name: "empty", url: "", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			owner, repo, err := ParseRepoURL(test.url)
			if (err != nil) != test.wantErr {
				t.Fatalf("ParseRepoURL(%q) error = %v, wantErr %v", test.url, err, test.wantErr)
			}
			if owner != test.wantOwner || repo != test.wantRepo {
				t.Errorf("ParseRepoURL(%q) = (%q, %q), want (%q, %q)", test.url, owner, repo, test.wantOwner, test.wantRepo)
			}
		})
	}
}

// testClient points a Client at a stub GitHub API server.
func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gh := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	gh.BaseURL = base
	return &Client{gh: gh}, srv
}

func TestFindPRForBranch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/5dlabs/platform/pulls", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("head"); got != "5dlabs:task-7" {
			t.Errorf("head query = %q, want %q", got, "5dlabs:task-7")
		}
		_ = json.NewEncoder(w).Encode([]*github.PullRequest{
			{
				Number:  github.Int(42),
				HTMLURL: github.String("https://github.com/5dlabs/platform/pull/42"),
				State:   github.String("open"),
			},
		})
	})

	cli, _ := testClient(t, mux)
	pr, err := cli.FindPRForBranch(context.Background(), "https://github.com/5dlabs/platform", 7)
	if err != nil {
		t.Fatalf("FindPRForBranch() error = %v", err)
	}
	if pr == nil || pr.Number != 42 {
		t.Fatalf("FindPRForBranch() = %+v, want PR #42", pr)
	}
}

func TestFindPRForBranchNone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/5dlabs/platform/pulls", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]*github.PullRequest{})
	})

	cli, _ := testClient(t, mux)
	pr, err := cli.FindPRForBranch(context.Background(), "https://github.com/5dlabs/platform", 7)
	if err != nil {
		t.Fatalf("FindPRForBranch() error = %v", err)
	}
	if pr != nil {
		t.Fatalf("FindPRForBranch() = %+v, want nil", pr)
	}
}

func TestVerifyPRCompletion(t *testing.T) {
	tests := []struct {
		name   string
		state  string
		merged bool
		want   bool
	}{
		{name: "merged", state: "closed", merged: true, want: true},
		{name: "closed unmerged", state: "closed", merged: false, want: true},
		{name: "still open", state: "open", merged: false, want: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/5dlabs/platform/pulls/9", func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(&github.PullRequest{
					Number: github.Int(9),
					State:  github.String(test.state),
					Merged: github.Bool(test.merged),
				})
			})

			cli, _ := testClient(t, mux)
			done, err := cli.VerifyPRCompletion(context.Background(), "https://github.com/5dlabs/platform", 9)
			if err != nil {
				t.Fatalf("VerifyPRCompletion() error = %v", err)
			}
			if done != test.want {
				t.Errorf("VerifyPRCompletion() = %v, want %v", done, test.want)
			}
		})
	}
}
