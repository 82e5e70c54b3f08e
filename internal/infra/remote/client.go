// Package remote provides the HTTP client for the watch-state service.
// It implements the catalog, timeline and queue operations the playback
// engine consumes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/watchlink/watchlink/internal/domain/media"
)

// ErrUnavailable marks transport-level failures. Callers treat these as
// retryable: progress is cached locally and flushed later.
var ErrUnavailable = errors.New("watch-state service unavailable")

// Client is a watch-state service API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

// Config represents remote client configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Retries int
}

// New creates a new watch-state client. The token is injected on every
// request through an oauth2 static token source.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Token == "" {
		return nil, errors.New("remote base URL and token are required")
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	httpClient := oauth2.NewClient(ctx, src)
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	} else {
		httpClient.Timeout = 10 * time.Second
	}

	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		maxRetries: retries,
		retryDelay: time.Second,
	}, nil
}

// playableItemDTO is the wire representation of a playable item.
type playableItemDTO struct {
	Key            string `json:"key"`
	Title          string `json:"title"`
	Kind           string `json:"kind"`
	StreamURL      string `json:"stream_url"`
	FallbackURL    string `json:"fallback_url,omitempty"`
	ResumeOffsetMs int64  `json:"resume_offset_ms"`
}

// timelineRequest is the body of a timeline push.
type timelineRequest struct {
	ItemKey    string `json:"item_key"`
	State      string `json:"state"`
	PositionMs int64  `json:"position_ms"`
	DurationMs int64  `json:"duration_ms"`
}

// timelineResponse carries the server-confirmed offset.
type timelineResponse struct {
	ConfirmedOffsetMs int64 `json:"confirmed_offset_ms"`
}

// queueNextResponse carries the next queue item and its index.
type queueNextResponse struct {
	Item  playableItemDTO `json:"item"`
	Index int             `json:"index"`
}

// queueResponse carries the full ordered queue contents.
type queueResponse struct {
	Items []struct {
		Key  string `json:"key"`
		Kind string `json:"kind"`
	} `json:"items"`
}

// ResolvePlayable resolves an item reference to a playable item.
// Returns nil without error when the item does not exist or carries no
// playable stream.
func (c *Client) ResolvePlayable(ctx context.Context, ref media.ItemRef) (*media.PlayableItem, error) {
	var dto playableItemDTO
	found, err := c.getJSON(ctx, "/library/items/"+url.PathEscape(ref.Key), &dto)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve item %s", ref.Key)
	}
	if !found || dto.StreamURL == "" {
		return nil, nil
	}
	return toPlayable(dto), nil
}

// PushTimeline reports playback progress for an item and returns the
// offset the server has confirmed for it.
func (c *Client) PushTimeline(ctx context.Context, itemKey string, position, duration time.Duration, state media.TimelineState) (time.Duration, error) {
	reqBody := timelineRequest{
		ItemKey:    itemKey,
		State:      string(state),
		PositionMs: position.Milliseconds(),
		DurationMs: duration.Milliseconds(),
	}

	var resp timelineResponse
	if err := c.postJSON(ctx, "/timeline", reqBody, &resp); err != nil {
		return 0, errors.Wrapf(err, "failed to push timeline for %s", itemKey)
	}
	zlog.Debug().Msgf("remote: timeline pushed: %s confirmed=%dms", reqBody, resp.ConfirmedOffsetMs)
	return time.Duration(resp.ConfirmedOffsetMs) * time.Millisecond, nil
}

// MarkWatched marks an item as watched.
func (c *Client) MarkWatched(ctx context.Context, itemKey string) error {
	if err := c.postJSON(ctx, "/library/items/"+url.PathEscape(itemKey)+"/watched", nil, nil); err != nil {
		return errors.Wrapf(err, "failed to mark %s watched", itemKey)
	}
	return nil
}

// NextInSeries returns the next episode after the given item, or nil when
// the item is not part of a series or the series is exhausted.
func (c *Client) NextInSeries(ctx context.Context, itemKey string) (*media.PlayableItem, error) {
	var dto playableItemDTO
	found, err := c.getJSON(ctx, "/library/items/"+url.PathEscape(itemKey)+"/next", &dto)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get next in series for %s", itemKey)
	}
	if !found || dto.StreamURL == "" {
		return nil, nil
	}
	return toPlayable(dto), nil
}

// NextInQueue asks the server for the next queue item after the given
// index. Supports queues the server generates lazily; returns nil when the
// queue is finished.
func (c *Client) NextInQueue(ctx context.Context, queueID string, afterIndex int) (*media.PlayableItem, int, error) {
	path := "/queues/" + url.PathEscape(queueID) + "/next?after=" + strconv.Itoa(afterIndex)
	var resp queueNextResponse
	found, err := c.getJSON(ctx, path, &resp)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to get next in queue %s", queueID)
	}
	if !found || resp.Item.StreamURL == "" {
		return nil, 0, nil
	}
	return toPlayable(resp.Item), resp.Index, nil
}

// RefreshQueue re-fetches the ordered contents of a queue.
func (c *Client) RefreshQueue(ctx context.Context, queueID string) ([]media.ItemRef, error) {
	var resp queueResponse
	found, err := c.getJSON(ctx, "/queues/"+url.PathEscape(queueID), &resp)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to refresh queue %s", queueID)
	}
	if !found {
		return nil, nil
	}

	refs := make([]media.ItemRef, 0, len(resp.Items))
	for _, it := range resp.Items {
		refs = append(refs, media.ItemRef{Key: it.Key, Kind: media.Kind(it.Kind)})
	}
	return refs, nil
}

// getJSON performs a GET with retry. Returns false (no error) on 404.
func (c *Client) getJSON(ctx context.Context, path string, out any) (bool, error) {
	found := true
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return errors.Wrap(err, "failed to create request")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Mark(err, ErrUnavailable)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			found = false
			return nil
		}
		if err := checkStatus(resp); err != nil {
			return err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Mark(errors.Wrap(err, "failed to read response body"), ErrUnavailable)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return errors.Wrap(err, "failed to parse response")
		}
		return nil
	})
	return found, err
}

// postJSON performs a POST with retry.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
	}

	return c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return errors.Wrap(err, "failed to create request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Mark(err, ErrUnavailable)
		}
		defer resp.Body.Close()

		if err := checkStatus(resp); err != nil {
			return err
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Mark(errors.Wrap(err, "failed to read response body"), ErrUnavailable)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return errors.Wrap(err, "failed to parse response")
		}
		return nil
	})
}

// retry runs fn up to maxRetries times with linear back-off.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.Is(err, ErrUnavailable) {
			return err
		}

		if i < c.maxRetries-1 {
			delay := c.retryDelay * time.Duration(i+1)
			zlog.Debug().Msgf("remote: retrying in %v: %v", delay, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// checkStatus maps HTTP status codes onto the error taxonomy. Server
// errors are marked retryable, client errors are not.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := errors.Newf("unexpected status %s", resp.Status)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return errors.Mark(err, ErrUnavailable)
	}
	return err
}

func toPlayable(dto playableItemDTO) *media.PlayableItem {
	return &media.PlayableItem{
		Key:          dto.Key,
		Title:        dto.Title,
		Kind:         media.Kind(dto.Kind),
		StreamURL:    dto.StreamURL,
		FallbackURL:  dto.FallbackURL,
		ResumeOffset: time.Duration(dto.ResumeOffsetMs) * time.Millisecond,
	}
}

// String helper kept close to the DTOs for debug logging.
func (r timelineRequest) String() string {
	return fmt.Sprintf("%s state=%s pos=%dms dur=%dms", r.ItemKey, r.State, r.PositionMs, r.DurationMs)
}
