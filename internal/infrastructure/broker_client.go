package infrastructure

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

	"engage_inbound/internal/entities"
	"engage_inbound/internal/interfaces"

	"github.com/rs/zerolog"
)

// maxBrokerMediaBytes caps a single media download from the broker.
const maxBrokerMediaBytes = 64 << 20

// BrokerClient talks to the WhatsApp broker HTTP API. It serves poll metadata lookups
// and media downloads for instances that are not connected locally.
type BrokerClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

var (
	_ interfaces.PollMetadataSource = (*BrokerClient)(nil)
	_ interfaces.MediaDownloader    = (*BrokerClient)(nil)
)

func NewBrokerClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *BrokerClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &BrokerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "broker_client").Logger(),
	}
}

// Enabled reports whether a broker endpoint is configured.
func (b *BrokerClient) Enabled() bool {
	return b != nil && b.baseURL != ""
}

// GetPoll returns the poll definition known to the broker, or nil when the broker has none.
func (b *BrokerClient) GetPoll(ctx context.Context, instanceID, pollID string) (*entities.Poll, error) {
	if !b.Enabled() {
		return nil, nil
	}
	endpoint := fmt.Sprintf("%s/instances/%s/polls/%s", b.baseURL, url.PathEscape(instanceID), url.PathEscape(pollID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.do(req)
	if err != nil {
		return nil, fmt.Errorf("broker poll lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, brokerStatusError("poll lookup", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read broker poll: %w", err)
	}
	// The broker answers either {"poll": {...}} or the bare poll object.
	var wrapped struct {
		Poll json.RawMessage `json:"poll"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode broker poll: %w", err)
	}
	if len(wrapped.Poll) > 0 && string(wrapped.Poll) != "null" {
		data = wrapped.Poll
	}
	var poll entities.Poll
	if err := json.Unmarshal(data, &poll); err != nil {
		return nil, fmt.Errorf("decode broker poll: %w", err)
	}
	if poll.PollID == "" {
		poll.PollID = pollID
	}
	if poll.InstanceID == "" {
		poll.InstanceID = instanceID
	}
	return &poll, nil
}

// DownloadMedia asks the broker to fetch and decrypt the attachment.
func (b *BrokerClient) DownloadMedia(ctx context.Context, instanceID string, ref entities.MediaRef) (*entities.MediaBlob, error) {
	if !b.Enabled() {
		return nil, fmt.Errorf("broker media download: no broker configured")
	}
	payload, err := json.Marshal(ref)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/instances/%s/media/download", b.baseURL, url.PathEscape(instanceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.do(req)
	if err != nil {
		return nil, fmt.Errorf("broker media download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, brokerStatusError("media download", resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBrokerMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read broker media: %w", err)
	}
	if len(data) > maxBrokerMediaBytes {
		return nil, fmt.Errorf("broker media download: body exceeds %d bytes", maxBrokerMediaBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || strings.HasPrefix(mimeType, "application/octet-stream") {
		mimeType = http.DetectContentType(data)
	}
	return &entities.MediaBlob{Data: data, MimeType: mimeType, Size: int64(len(data))}, nil
}

func (b *BrokerClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		req.Header.Set("X-API-Key", b.apiKey)
	}
	start := time.Now()
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	b.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Broker request")
	return resp, nil
}

func brokerStatusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("broker %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
