package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/michaelbrown/cellsrv/internal/relay"
	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

// apiClient talks to a running cellsrv server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 2 * time.Minute}}
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) postForm(ctx context.Context, path string, form url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", out)
}

// eval submits code under session, or a fresh session when empty.
func (c *apiClient) eval(ctx context.Context, session, code string) (*relay.Submission, error) {
	commands, err := json.Marshal(code)
	if err != nil {
		return nil, err
	}
	form := url.Values{"commands": {string(commands)}}
	if session != "" {
		form.Set("session", session)
	}
	var sub relay.Submission
	if err := c.postForm(ctx, "/eval", form, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *apiClient) longPoll(ctx context.Context, session string, from int, timeout time.Duration) ([]storage.OutputMessage, error) {
	q := url.Values{
		"computation_id": {session},
		"sequence":       {strconv.Itoa(from)},
		"timeout":        {strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64)},
	}
	var resp struct {
		Content []storage.OutputMessage `json:"content"`
	}
	if err := c.do(ctx, http.MethodGet, "/output_long_poll?"+q.Encode(), nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Content, nil
}

func (c *apiClient) interrupt(ctx context.Context, session string) error {
	return c.postForm(ctx, "/interrupt?computation_id="+url.QueryEscape(session), nil, nil)
}

// follow prints a session's output as it arrives and returns the final
// reply's status. It gives up after timeout.
func (c *apiClient) follow(ctx context.Context, session string, stdout, stderr io.Writer, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	next := 0
	for time.Now().Before(deadline) {
		msgs, err := c.longPoll(ctx, session, next, 2*time.Second)
		if err != nil {
			return "", err
		}
		for _, m := range msgs {
			next = m.Sequence + 1
			printMessage(c.base, m, stdout, stderr)
			if m.Terminal() {
				status, _ := m.Content["status"].(string)
				return status, nil
			}
		}
	}
	return "", fmt.Errorf("no reply for %s after %v", session, timeout)
}

func printMessage(base string, m storage.OutputMessage, stdout, stderr io.Writer) {
	switch m.MsgType {
	case wire.Stream:
		text, _ := m.Content["text"].(string)
		if name, _ := m.Content["name"].(string); name == "stderr" {
			fmt.Fprint(stderr, text)
		} else {
			fmt.Fprint(stdout, text)
		}
	case wire.ExecuteResult, wire.DisplayData:
		data, _ := m.Content["data"].(map[string]any)
		if text, ok := data["text/plain"].(string); ok {
			fmt.Fprint(stdout, text)
		}
		if name, ok := data["text/filename"].(string); ok {
			fmt.Fprintf(stdout, "[file] %s/files/%s/%s\n", base, m.SessionID, url.PathEscape(name))
		}
	case wire.Error:
		ename, _ := m.Content["ename"].(string)
		evalue, _ := m.Content["evalue"].(string)
		fmt.Fprintf(stderr, "%s: %s\n", ename, evalue)
	}
}
