// internal/clients/client.go
package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	jsoniter "github.com/json-iterator/go"

	"librarylend/internal/domain"
	"librarylend/internal/membership"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// APIError is a non-2xx answer from the service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("librarylend: %d %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// BookInput is the admin payload for adding or editing a title. Nil and empty
// fields are left out so an edit only touches what is set.
type BookInput struct {
	ISBN        string `json:"ISBN,omitempty"`
	Title       string `json:"Title,omitempty"`
	Author      string `json:"Author,omitempty"`
	Category    string `json:"Category,omitempty"`
	Publisher   string `json:"Publisher,omitempty"`
	PublishYear string `json:"PublishYear,omitempty"`
	Description string `json:"Description,omitempty"`
	CoverURL    string `json:"CoverURL,omitempty"`
	Location    string `json:"Location,omitempty"`
	TotalCopies *int   `json:"TotalCopies,omitempty"`
}

// Client talks to the librarylend HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient returns a client for baseURL. A nil hc uses http.DefaultClient.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: hc}
}

// WithToken returns a copy that sends token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) Register(ctx context.Context, req membership.RegisterRequest) error {
	return c.do(ctx, http.MethodPost, "/register", req, nil)
}

func (c *Client) Login(ctx context.Context, req membership.LoginRequest) (*membership.Profile, error) {
	var profile membership.Profile
	if err := c.do(ctx, http.MethodPost, "/login", req, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *Client) Search(ctx context.Context, category, keyword string) ([]*domain.Book, error) {
	q := url.Values{}
	if category != "" {
		q.Set("category", category)
	}
	if keyword != "" {
		q.Set("q", keyword)
	}
	path := "/books"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var books []*domain.Book
	if err := c.do(ctx, http.MethodGet, path, nil, &books); err != nil {
		return nil, err
	}
	return books, nil
}

func (c *Client) GetBook(ctx context.Context, isbn string) (*domain.Book, error) {
	var book domain.Book
	if err := c.do(ctx, http.MethodGet, "/books/"+url.PathEscape(isbn), nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) Borrow(ctx context.Context, isbn, userID string) error {
	return c.do(ctx, http.MethodPost, "/books/"+url.PathEscape(isbn)+"/borrow", map[string]string{"UserID": userID}, nil)
}

func (c *Client) Return(ctx context.Context, isbn, userID string) error {
	return c.do(ctx, http.MethodPost, "/books/"+url.PathEscape(isbn)+"/return", map[string]string{"UserID": userID}, nil)
}

func (c *Client) AddBook(ctx context.Context, in BookInput) error {
	return c.do(ctx, http.MethodPost, "/admin/books", in, nil)
}

func (c *Client) EditBook(ctx context.Context, isbn string, in BookInput) error {
	return c.do(ctx, http.MethodPut, "/admin/books/"+url.PathEscape(isbn), in, nil)
}

func (c *Client) DeleteBook(ctx context.Context, isbn string) error {
	return c.do(ctx, http.MethodDelete, "/admin/books/"+url.PathEscape(isbn), nil, nil)
}

// Health returns nil when the service and its store answer.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &msg) == nil && msg.Message != "" {
		apiErr.Message = msg.Message
	} else {
		apiErr.Message = string(bytes.TrimSpace(raw))
	}
	return apiErr
}
