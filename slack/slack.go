package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
)

const DefaultURL = "https://slack.com/api/chat.postMessage"

type Client struct {
	url        string
	token      string
	httpClient *http.Client
}

func New(token, url string) *Client {
	if url == "" {
		url = DefaultURL
	}

	return &Client{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *Client) PostMessage(ctx context.Context, channelID string, text string) error {
	payload := map[string]interface{}{
		"channel": channelID,
		"text":    text,
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err = io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack responded with status %d", resp.StatusCode)
	}

	var r postMessageResponse
	if err := json.Unmarshal(b, &r); err != nil {
		return fmt.Errorf("could not decode slack response: %w", err)
	}

	if !r.OK {
		return fmt.Errorf("slack rejected message: %s", r.Error)
	}

	return nil
}

// Notifier posts banner changes to a single channel.
type Notifier struct {
	client    *Client
	channelID string
}

func NewNotifier(client *Client, channelID string) *Notifier {
	return &Notifier{
		client:    client,
		channelID: channelID,
	}
}

func (n *Notifier) BannerChanged(ctx context.Context, hostname, previous, current string, previousSeen time.Time) error {
	return n.client.PostMessage(ctx, n.channelID, BannerChangedText(hostname, previous, current, previousSeen))
}

func BannerChangedText(hostname, previous, current string, previousSeen time.Time) string {
	seen := "at an unknown time"
	if !previousSeen.IsZero() {
		seen = humanize.Time(previousSeen)
	}

	return fmt.Sprintf("%s changed its SMTP banner from %q (seen %s) to %q", hostname, previous, seen, current)
}
