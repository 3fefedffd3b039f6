// Package client is a Go client for the attribution task REST API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"attribution-backend/pkg/api"
)

// Error is returned for any non-2xx response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

type Client struct {
	client *resty.Client
}

func New(baseURL string) *Client {
	return &Client{client: resty.New().SetBaseURL(baseURL).SetTimeout(2 * time.Minute)}
}

func (c *Client) do(ctx context.Context, method, path string, body, result any, query map[string]string) error {
	req := c.client.R().SetContext(ctx).SetQueryParams(query)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	res, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("error calling %s %s: %w", method, path, err)
	}
	if !res.IsSuccess() {
		return &Error{StatusCode: res.StatusCode(), Message: res.String()}
	}
	return nil
}

type File struct {
	Name string
	Data io.Reader
}

// SubmitTask uploads the three artifacts and returns the id of the background run.
func (c *Client) SubmitTask(ctx context.Context, workbook, image, video File) (uuid.UUID, error) {
	var result api.SubmitTaskResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetFileReader("workbook", workbook.Name, workbook.Data).
		SetFileReader("image", image.Name, image.Data).
		SetFileReader("video", video.Name, video.Data).
		SetResult(&result).
		Post("/tasks")
	if err != nil {
		return uuid.Nil, fmt.Errorf("error submitting task: %w", err)
	}
	if !res.IsSuccess() {
		return uuid.Nil, &Error{StatusCode: res.StatusCode(), Message: res.String()}
	}
	return result.RunId, nil
}

func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (api.Run, error) {
	var run api.Run
	err := c.do(ctx, http.MethodGet, "/runs/"+runID.String(), nil, &run, nil)
	return run, err
}

// WaitForRun polls the run until it stops changing. onUpdate, if set, sees every poll.
func (c *Client) WaitForRun(ctx context.Context, runID uuid.UUID, interval time.Duration, onUpdate func(api.Run)) (api.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return run, err
		}
		if onUpdate != nil {
			onUpdate(run)
		}
		if run.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) ListTasks(ctx context.Context, limit int) (api.ListTasksResponse, error) {
	var list api.ListTasksResponse
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = fmt.Sprint(limit)
	}
	err := c.do(ctx, http.MethodGet, "/tasks", nil, &list, query)
	return list, err
}

func (c *Client) GetView(ctx context.Context) (api.View, error) {
	var view api.View
	err := c.do(ctx, http.MethodGet, "/view", nil, &view, nil)
	return view, err
}

func (c *Client) SelectTask(ctx context.Context, taskID string) (api.View, error) {
	var view api.View
	err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/select", nil, &view, nil)
	return view, err
}

func (c *Client) SelectCreationView(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/view/creation", nil, nil, nil)
}

func (c *Client) History(ctx context.Context, taskID string) ([]api.Turn, error) {
	var turns []api.Turn
	err := c.do(ctx, http.MethodGet, "/tasks/"+taskID+"/history", nil, &turns, nil)
	return turns, err
}

func (c *Client) SendMessage(ctx context.Context, taskID, message string) (api.SendMessageResponse, error) {
	var res api.SendMessageResponse
	err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/messages", api.SendMessageRequest{Message: message}, &res, nil)
	return res, err
}

// Transcript returns the exported conversation in format (markdown, json or yaml).
func (c *Client) Transcript(ctx context.Context, taskID, format string) ([]byte, error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("format", format).
		Get("/tasks/" + taskID + "/transcript")
	if err != nil {
		return nil, fmt.Errorf("error fetching transcript: %w", err)
	}
	if !res.IsSuccess() {
		return nil, &Error{StatusCode: res.StatusCode(), Message: res.String()}
	}
	return res.Body(), nil
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+taskID, nil, nil, nil)
}
