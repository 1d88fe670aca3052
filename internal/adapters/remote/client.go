// Package remote is the HTTP adapter for the order/table/payment API. Every
// mutation returns the server's success flag and message plus any snapshot,
// which callers treat as authoritative.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dumu-tech/mesa-terminal/internal/core"
)

// Client talks to the remote order API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a remote API client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request for %s: %w", path, err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", path, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("order API error on %s: status %d, body: %s", path, resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) mutate(ctx context.Context, method, path string, payload interface{}) (*core.APIResult, error) {
	var result core.APIResult
	if err := c.do(ctx, method, path, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateOperation opens an order on a table.
func (c *Client) CreateOperation(ctx context.Context, tableID string, staff core.Staff, lines []core.NewLine) (*core.APIResult, error) {
	return c.mutate(ctx, http.MethodPost, "/operations", map[string]interface{}{
		"table_id": tableID,
		"staff":    staff,
		"lines":    lines,
	})
}

// GetOperation fetches the authoritative operation snapshot.
func (c *Client) GetOperation(ctx context.Context, operationID string) (*core.Operation, error) {
	var op core.Operation
	if err := c.do(ctx, http.MethodGet, "/operations/"+operationID, nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// GetTables fetches the authoritative table list.
func (c *Client) GetTables(ctx context.Context) ([]core.Table, error) {
	var tables []core.Table
	if err := c.do(ctx, http.MethodGet, "/tables", nil, &tables); err != nil {
		return nil, err
	}
	return tables, nil
}

// AddLineItems appends products to an open operation.
func (c *Client) AddLineItems(ctx context.Context, operationID string, lines []core.NewLine) (*core.APIResult, error) {
	return c.mutate(ctx, http.MethodPost, "/operations/"+operationID+"/lines", map[string]interface{}{
		"lines": lines,
	})
}

// CancelLineItem cancels a whole line or part of its quantity.
func (c *Client) CancelLineItem(ctx context.Context, operationID, lineID string, quantity int) (*core.APIResult, error) {
	return c.mutate(ctx, http.MethodPost,
		fmt.Sprintf("/operations/%s/lines/%s/cancel", operationID, lineID),
		map[string]interface{}{"quantity": quantity})
}

// ChangeTable moves the operation to another table.
func (c *Client) ChangeTable(ctx context.Context, operationID, toTableID string) (*core.APIResult, error) {
	return c.mutate(ctx, http.MethodPost, "/operations/"+operationID+"/change-table", map[string]interface{}{
		"to_table_id": toTableID,
	})
}

// ChangeWaiter reassigns the operation to another staff member.
func (c *Client) ChangeWaiter(ctx context.Context, operationID string, staff core.Staff) (*core.APIResult, error) {
	return c.mutate(ctx, http.MethodPost, "/operations/"+operationID+"/change-waiter", map[string]interface{}{
		"staff": staff,
	})
}

// TransferLineItems moves selected line quantities to another table's operation.
func (c *Client) TransferLineItems(ctx context.Context, operationID string, lines []core.SettlementLine, toTableID string) (*core.APIResult, error) {
	return c.mutate(ctx, http.MethodPost, "/operations/"+operationID+"/transfers", map[string]interface{}{
		"lines":       lines,
		"to_table_id": toTableID,
	})
}

// IssueProvisionalBill prints a provisional bill for all lines or a subset.
func (c *Client) IssueProvisionalBill(ctx context.Context, operationID string, lineIDs []string) (*core.APIResult, error) {
	return c.mutate(ctx, http.MethodPost, "/operations/"+operationID+"/provisional-bill", map[string]interface{}{
		"line_ids": lineIDs,
	})
}

// CreateSettlement submits a settlement document.
func (c *Client) CreateSettlement(ctx context.Context, req core.SettlementRequest) (*core.APIResult, error) {
	return c.mutate(ctx, http.MethodPost, "/settlements", req)
}

// CancelOperation cancels the whole operation.
func (c *Client) CancelOperation(ctx context.Context, operationID string) (*core.APIResult, error) {
	return c.mutate(ctx, http.MethodPost, "/operations/"+operationID+"/cancel", nil)
}
