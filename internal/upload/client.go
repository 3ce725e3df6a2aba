package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/haatos/releaseci/internal/toolchain"
	"github.com/sethvargo/go-retry"
)

type Destination string

const (
	// DestinationReview blocks until the store has processed the build.
	DestinationReview Destination = "review"
	// DestinationBeta submits to the beta queue without waiting.
	DestinationBeta Destination = "beta"
)

func ValidDestination(d Destination) bool {
	return d == DestinationReview || d == DestinationBeta
}

type Receipt struct {
	SubmissionID string      `json:"submission_id"`
	State        string      `json:"state"`
	Destination  Destination `json:"destination"`
	SubmittedOn  time.Time   `json:"submitted_on"`
}

type UploadError struct {
	StatusCode int
	Message    string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("distribution target rejected artifact (%d): %s", e.StatusCode, e.Message)
}

// RateLimitedError reports the target's throttling response together with
// the suggested backoff. The engine surfaces it and never retries the
// upload itself; re-submission requires a new run.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("distribution target rate limited, retry after %s", e.RetryAfter)
}

const (
	defaultRetryAfter = 5 * time.Minute
	pollBase          = 15 * time.Second
	pollCap           = 2 * time.Minute
)

// Client submits finished artifacts to the distribution target. Submission
// changes remote state and is not idempotent.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		// The transfer itself can take a long while; per-stage timeouts come
		// from the caller's context.
		http: &http.Client{},
	}
}

func (c *Client) Upload(
	ctx context.Context,
	token string,
	artifact *toolchain.Artifact,
	destination Destination,
	out func(string),
) (*Receipt, error) {
	f, err := os.Open(artifact.LocalPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf(
		"%s/v1/submissions?destination=%s&platform=%s",
		c.baseURL, destination, artifact.Platform,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = info.Size()

	out(fmt.Sprintf("uploading %s (%d bytes) to %s queue\n",
		artifact.LocalPath, info.Size(), destination))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitedError{RetryAfter: retryAfterHint(resp)}
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &UploadError{
			StatusCode: resp.StatusCode,
			Message:    readBody(resp),
		}
	}

	receipt := new(Receipt)
	if err := json.NewDecoder(resp.Body).Decode(receipt); err != nil {
		return nil, err
	}
	receipt.Destination = destination
	receipt.SubmittedOn = time.Now().UTC()
	out(fmt.Sprintf("submission %s accepted, state %s\n", receipt.SubmissionID, receipt.State))

	// The beta queue does not require waiting for processing.
	if destination == DestinationBeta {
		return receipt, nil
	}

	if err := c.waitForProcessing(ctx, token, receipt, out); err != nil {
		return nil, err
	}
	return receipt, nil
}

// waitForProcessing polls the submission until the store finishes
// processing. Capped exponential backoff keeps the polling polite.
func (c *Client) waitForProcessing(
	ctx context.Context,
	token string,
	receipt *Receipt,
	out func(string),
) error {
	backoff := retry.WithCappedDuration(pollCap, retry.NewExponential(pollBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		state, err := c.submissionState(ctx, token, receipt.SubmissionID)
		if err != nil {
			return err
		}
		switch state {
		case "processing", "uploaded":
			out(fmt.Sprintf("submission %s still %s\n", receipt.SubmissionID, state))
			return retry.RetryableError(fmt.Errorf("submission %s", state))
		case "invalid":
			return &UploadError{
				StatusCode: http.StatusUnprocessableEntity,
				Message:    "store reported the build invalid after processing",
			}
		default:
			receipt.State = state
			out(fmt.Sprintf("submission %s processed, state %s\n", receipt.SubmissionID, state))
			return nil
		}
	})
}

func (c *Client) submissionState(ctx context.Context, token, id string) (string, error) {
	url := fmt.Sprintf("%s/v1/submissions/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &RateLimitedError{RetryAfter: retryAfterHint(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &UploadError{StatusCode: resp.StatusCode, Message: readBody(resp)}
	}

	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.State, nil
}

func retryAfterHint(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return defaultRetryAfter
	}
	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return time.Until(at)
	}
	return defaultRetryAfter
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return string(b)
}
