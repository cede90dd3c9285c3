// Package backend manages the pool of local inference endpoints: health
// probes, model warm-up, per-endpoint concurrency slots, and the
// JSON-over-HTTP protocol the inference daemon speaks.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client speaks the inference daemon's HTTP protocol: generate, tags, pull.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a protocol client for one endpoint. The http.Client
// carries no global timeout; every call is bounded by its context.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count,omitempty"`
}

// GenerateResult is the terminal outcome of one inference call.
type GenerateResult struct {
	Text   string
	Tokens int
}

// Generate runs a buffered completion.
func (c *Client) Generate(ctx context.Context, model, prompt string) (*GenerateResult, error) {
	body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: false})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate call to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generate call to %s: status %d", c.baseURL, resp.StatusCode)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decode generate response: %w", err)
	}
	return &GenerateResult{Text: gr.Response, Tokens: gr.EvalCount}, nil
}

// GenerateStream runs a streaming completion, invoking onDelta for every
// chunk in producer order. idleTimeout bounds the gap between chunks; the
// overall deadline comes from ctx. A non-nil error from onDelta aborts the
// stream (client went away).
func (c *Client) GenerateStream(ctx context.Context, model, prompt string, idleTimeout time.Duration, onDelta func(string) error) (*GenerateResult, error) {
	body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: true})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate stream to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generate stream to %s: status %d", c.baseURL, resp.StatusCode)
	}

	// The idle watchdog cancels the read when the producer stalls between
	// chunks. Resetting a timer per line keeps it cheap.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := time.AfterFunc(idleTimeout, cancel)
	defer idle.Stop()

	var result GenerateResult
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-streamCtx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-streamCtx.Done():
			return nil, streamCtx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return nil, fmt.Errorf("read stream from %s: %w", c.baseURL, err)
					}
				default:
				}
				return &result, nil
			}
			idle.Reset(idleTimeout)

			var gr generateResponse
			if err := json.Unmarshal(line, &gr); err != nil {
				continue // tolerate keep-alive noise between frames
			}
			if gr.Response != "" {
				result.Text += gr.Response
				if err := onDelta(gr.Response); err != nil {
					return nil, err
				}
			}
			if gr.Done {
				if gr.EvalCount > 0 {
					result.Tokens = gr.EvalCount
				}
				return &result, nil
			}
		}
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the models currently loaded on the endpoint. This is
// the health probe: cheap, no generation.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tags call to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tags call to %s: status %d", c.baseURL, resp.StatusCode)
	}

	var tr tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	names := make([]string, len(tr.Models))
	for i, m := range tr.Models {
		names[i] = m.Name
	}
	return names, nil
}

// Pull asks the endpoint to load a model by name (warm-up).
func (c *Client) Pull(ctx context.Context, model string) error {
	body, err := json.Marshal(map[string]string{"name": model})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pull call to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull call to %s: status %d", c.baseURL, resp.StatusCode)
	}
	return nil
}
