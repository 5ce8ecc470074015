package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/chatsync/internal/chatsync"
	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. Conversations are
	// fetched whole, so this is larger than a typical JSON reply.
	maxResponseBytes = 8 << 20
)

// Client talks to the chatsync REST API as one participant. It
// implements chatsync.MessageStore; every failure wraps ErrStore, plus
// the domain error the server reported when there is one.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

var _ chatsync.MessageStore = (*Client)(nil)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaves
// the server it was meant for.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a JSON request and decodes the response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshalling request body: %w", chaterrors.ErrStore, err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", chaterrors.ErrStore, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", chaterrors.ErrStore, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", chaterrors.ErrStore, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			if sentinel := CodeError(apiErr.Code); sentinel != nil {
				return fmt.Errorf("%w: API %s %s (%d): %w", chaterrors.ErrStore, method, endpoint, resp.StatusCode, sentinel)
			}

			return fmt.Errorf("%w: API %s %s (%d): %s", chaterrors.ErrStore, method, endpoint, resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("%w: API %s %s returned status %d: %s",
			chaterrors.ErrStore, method, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", chaterrors.ErrStore, endpoint, err)
		}
	}

	return nil
}

func messagesPath(conversationID string) string {
	return "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
}

// Me returns the caller's participant id and the configured participants.
func (c *Client) Me(ctx context.Context) (MeResponse, error) {
	var resp MeResponse
	err := c.do(ctx, http.MethodGet, "/v1/me", nil, &resp)

	return resp, err
}

// CreateConversation opens (or finds) the conversation with peer.
func (c *Client) CreateConversation(ctx context.Context, peer string) (models.Conversation, bool, error) {
	var resp CreateConversationResponse
	if err := c.do(ctx, http.MethodPost, "/v1/conversations", CreateConversationRequest{Peer: peer}, &resp); err != nil {
		return models.Conversation{}, false, err
	}

	return resp.Conversation, resp.Created, nil
}

// ListConversations returns the caller's conversations, most recently
// active first.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var resp ConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &resp); err != nil {
		return nil, err
	}

	return resp.Conversations, nil
}

// Insert sends a message. senderID must be the caller.
func (c *Client) Insert(ctx context.Context, conversationID, senderID, body string) (models.Message, error) {
	var m models.Message
	err := c.do(ctx, http.MethodPost, messagesPath(conversationID), SendMessageRequest{SenderID: senderID, Body: body}, &m)

	return m, err
}

// FetchOrdered returns every message of the conversation in order.
func (c *Client) FetchOrdered(ctx context.Context, conversationID string) ([]models.Message, error) {
	var resp MessagesResponse
	if err := c.do(ctx, http.MethodGet, messagesPath(conversationID), nil, &resp); err != nil {
		return nil, err
	}

	if resp.Messages == nil {
		resp.Messages = []models.Message{}
	}

	return resp.Messages, nil
}

// MarkRead marks the given incoming messages read for the caller.
func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	_, err := c.MarkReadReturning(ctx, ids)
	return err
}

// MarkReadReturning is MarkRead that also returns the changed messages.
func (c *Client) MarkReadReturning(ctx context.Context, ids []string) ([]models.Message, error) {
	var resp MarkReadResponse
	if err := c.do(ctx, http.MethodPost, "/v1/messages/read", MarkReadRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}

	return resp.Marked, nil
}

// DeleteMessage removes one message.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, id string) (models.Message, error) {
	var m models.Message
	err := c.do(ctx, http.MethodDelete, messagesPath(conversationID)+"/"+url.PathEscape(id), nil, &m)

	return m, err
}
