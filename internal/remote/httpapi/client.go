package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/open-cbt/cbt-client/internal/remote"
)

// Client talks to the remote test server over its REST surface. The base URL
// comes from configuration; the bearer credential flows in through the
// oauth2.TokenSource so a token swap after re-login needs no new client.
type Client struct {
	base string
	http *http.Client
}

type Config struct {
	BaseURL string
	Tokens  oauth2.TokenSource
	Timeout time.Duration
}

func New(cfg Config) *Client {
	h := oauth2.NewClient(context.Background(), cfg.Tokens)
	if cfg.Timeout > 0 {
		h.Timeout = cfg.Timeout
	}
	return &Client{base: strings.TrimSuffix(cfg.BaseURL, "/"), http: h}
}

func (c *Client) StartAttempt(ctx context.Context, testID string) (string, error) {
	var out struct {
		AttemptID string `json:"attemptId"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tests/%s/start", testID), nil, &out)
	if err != nil {
		return "", err
	}
	if out.AttemptID == "" {
		return "", &remote.Error{Kind: remote.KindValidation, Message: "start response missing attemptId"}
	}
	return out.AttemptID, nil
}

func (c *Client) FetchTest(ctx context.Context, testID string) (remote.Test, error) {
	var out remote.Test
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tests/%s", testID), nil, &out)
	return out, err
}

func (c *Client) FetchQuestions(ctx context.Context, testID string) ([]remote.Question, error) {
	var out []remote.Question
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tests/%s/questions", testID), nil, &out)
	return out, err
}

func (c *Client) SubmitAnswer(ctx context.Context, attemptID, questionID, answerText string) error {
	body := map[string]string{"question_id": questionID, "answer": answerText}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/attempts/%s/answers", attemptID), body, nil)
}

func (c *Client) FetchSavedAnswers(ctx context.Context, attemptID string) ([]remote.SavedAnswer, error) {
	var out []remote.SavedAnswer
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/attempts/%s", attemptID), nil, &out)
	return out, err
}

func (c *Client) FinalizeAttempt(ctx context.Context, attemptID string) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/attempts/%s/submit", attemptID), nil, nil)
	// A conflict means the attempt was already finalized; finalize is
	// idempotent from the caller's point of view.
	var re *remote.Error
	if errors.As(err, &re) && re.Status == http.StatusConflict {
		return nil
	}
	return err
}

func (c *Client) FetchReview(ctx context.Context, attemptID string) (remote.Review, error) {
	var out remote.Review
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/student/review/%s", attemptID), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &remote.Error{Kind: remote.KindValidation, Message: err.Error()}
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return &remote.Error{Kind: remote.KindValidation, Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	res, err := c.http.Do(req)
	if err != nil {
		return &remote.Error{Kind: remote.KindNetwork, Message: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return remote.FromStatus(res.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &remote.Error{Kind: remote.KindValidation, Status: res.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return nil
}
