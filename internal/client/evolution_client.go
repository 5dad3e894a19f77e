package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EvolutionClient sends WhatsApp text messages through an Evolution API
// instance.
type EvolutionClient struct {
	baseURL  string
	instance string
	apiKey   string
	client   *http.Client
}

func NewEvolutionClient(baseURL, instance, apiKey string, timeout time.Duration) *EvolutionClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EvolutionClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		instance: instance,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendTextResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

func (c *EvolutionClient) SendText(ctx context.Context, phone, text string) (string, error) {
	reqBody, err := json.Marshal(sendTextRequest{
		Number: normalizePhone(phone),
		Text:   text,
	})
	if err != nil {
		return "", err
	}

	endpoint := c.baseURL + "/message/sendText/" + url.PathEscape(c.instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendTextResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.Key.ID == "" {
		return "", fmt.Errorf("missing key.id in response body=%q", string(body))
	}

	return sr.Key.ID, nil
}

// normalizePhone strips everything but digits; Evolution expects the bare
// international number.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
