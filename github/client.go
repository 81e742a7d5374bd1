// Package github provides the VCS boundary: webhook parsing and the REST
// client used to post review comments and threaded replies.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

const (
	baseURL = "https://api.github.com"
)

// APIError is a non-2xx response from the GitHub API. The status code
// lets callers classify transient failures (rate limits, 5xx) for retry.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status %d, body: %s", e.StatusCode, e.Body)
}

// Transient reports whether the error is worth retrying.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client provides methods to interact with the GitHub API.
type Client struct {
	appID      int64
	privateKey []byte
}

// NewClient creates a new GitHub API client. The privateKey should be
// the PEM-encoded private key of the GitHub App.
func NewClient(appID int64, privateKey []byte) *Client {
	return &Client{
		appID:      appID,
		privateKey: privateKey,
	}
}

// getInstallationClient returns an HTTP client authenticated for the given installation.
func (c *Client) getInstallationClient(installationID int64) (*http.Client, error) {
	transport, err := ghinstallation.New(http.DefaultTransport, c.appID, installationID, c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create installation transport: %w", err)
	}
	return &http.Client{Transport: transport, Timeout: 30 * time.Second}, nil
}

// FetchPullRequestFiles fetches the list of files changed in a pull
// request, each with its unified diff patch.
func (c *Client) FetchPullRequestFiles(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]PullRequestFile, error) {
	client, err := c.getInstallationClient(installationID)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=100", baseURL, owner, repo, prNumber)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch files: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var files []PullRequestFile
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, fmt.Errorf("failed to decode files: %w", err)
	}

	return files, nil
}

// CreateReviewComment posts a new inline comment on a pull request and
// returns the created comment.
func (c *Client) CreateReviewComment(ctx context.Context, post *CommentPost) (*Comment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/comments", baseURL, post.Owner, post.Repo, post.PRNumber)

	body := commentRequest{
		Body:     post.Body,
		CommitID: post.CommitSHA,
		Path:     post.Path,
		Line:     post.Line,
		Side:     "RIGHT", // Comments on the new version of the file
	}

	return c.postComment(ctx, post.InstallationID, url, body)
}

// CreateReplyComment posts a reply to an existing review comment thread
// and returns the created comment.
func (c *Client) CreateReplyComment(ctx context.Context, post *CommentPost, inReplyToID int64) (*Comment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/comments/%d/replies",
		baseURL, post.Owner, post.Repo, post.PRNumber, inReplyToID)

	return c.postComment(ctx, post.InstallationID, url, replyRequest{Body: post.Body})
}

// postComment marshals and posts a comment payload, decoding the created
// comment from the response.
func (c *Client) postComment(ctx context.Context, installationID int64, url string, payload any) (*Comment, error) {
	client, err := c.getInstallationClient(installationID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal comment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var comment Comment
	if err := json.NewDecoder(resp.Body).Decode(&comment); err != nil {
		return nil, fmt.Errorf("failed to decode comment response: %w", err)
	}

	return &comment, nil
}
