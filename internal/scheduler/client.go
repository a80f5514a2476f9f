// Package scheduler invokes appointment tools against the backend API.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client issues tool invocations against the appointment backend.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a backend client. The token is optional; when set it is
// sent as a bearer credential on every request.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Invoke runs one named tool with the given arguments and returns the
// backend's response payload unmodified. Failures are typed:
// *InvalidArgumentError, *UnknownToolError, or *UpstreamError.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	slog.Info("Invoking scheduling tool", "tool", tool)

	switch tool {
	case "check_availability":
		return c.checkAvailability(ctx, args)
	case "create_appointment":
		return c.createAppointment(ctx, args)
	case "get_appointments_by_phone":
		return c.getAppointmentsByPhone(ctx, args)
	case "cancel_appointment":
		return c.cancelAppointment(ctx, args)
	default:
		return nil, &UnknownToolError{Tool: tool}
	}
}

func (c *Client) checkAvailability(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	date, err := requireString("check_availability", args, "date")
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, "/availability?date="+url.QueryEscape(date), nil)
}

func (c *Client) createAppointment(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	required := []string{
		"customer_phone", "customer_name",
		"appointment_date", "appointment_time",
		"origin_address", "destination_address",
	}
	for _, field := range required {
		if _, err := requireString("create_appointment", args, field); err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode appointment arguments: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/appointments", body)
}

func (c *Client) getAppointmentsByPhone(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	phone, err := requireString("get_appointments_by_phone", args, "phone_number")
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, "/appointments/by-phone/"+url.PathEscape(phone), nil)
}

func (c *Client) cancelAppointment(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	id := formatID(args["appointment_id"])
	if id == "" {
		return nil, &InvalidArgumentError{Tool: "cancel_appointment", Field: "appointment_id"}
	}
	return c.do(ctx, http.MethodDelete, "/appointments/"+url.PathEscape(id), nil)
}

// formatID renders an appointment id for a URL path. Ids arrive as JSON
// numbers decoded into float64, which %v would print in exponent notation
// once large enough.
func formatID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build scheduler request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scheduler request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read scheduler response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(payload)}
	}

	return payload, nil
}

func requireString(tool string, args map[string]any, field string) (string, error) {
	value, ok := args[field].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", &InvalidArgumentError{Tool: tool, Field: field}
	}
	return value, nil
}
