/**
 * @description
 * This package provides a client for the MTN MoMo disbursement API. It
 * encapsulates the logic for making authenticated HTTP requests to the
 * provider's token and transfer endpoints, handling request body construction,
 * and parsing responses.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package momoclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the MTN MoMo disbursement API.
type Client struct {
	BaseURL         string
	APIUser         string
	APIKey          string
	SubscriptionKey string
	TargetEnv       string
	HTTPClient      *http.Client
}

// NewClient creates a new MoMo API client.
func NewClient(baseURL, apiUser, apiKey, subscriptionKey, targetEnv string) *Client {
	return &Client{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		APIUser:         apiUser,
		APIKey:          apiKey,
		SubscriptionKey: subscriptionKey,
		TargetEnv:       targetEnv,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest is the payload for a MoMo disbursement transfer.
type TransferRequest struct {
	Amount       string        `json:"amount"`
	Currency     string        `json:"currency"`
	ExternalID   string        `json:"externalId"`
	Payee        TransferPayee `json:"payee"`
	PayerMessage string        `json:"payerMessage"`
	PayeeNote    string        `json:"payeeNote"`
}

// TransferPayee identifies the mobile-money recipient by MSISDN.
type TransferPayee struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

// TransferParams carries the caller-supplied values for a transfer.
type TransferParams struct {
	ReferenceID  string
	Amount       string
	Currency     string
	PayeeMSISDN  string
	ExternalID   string
	PayerMessage string
	PayeeNote    string
}

// APIError represents a non-success status from the MoMo API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("momo %s error: status %d %s", e.Op, e.StatusCode, e.Body)
}

// GetAccessToken obtains a disbursement access token using Basic auth over the
// API user and key, scoped by the subscription key.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/disbursement/token/", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(c.APIUser + ":" + c.APIKey))
	req.Header.Set("Ocp-Apim-Subscription-Key", c.SubscriptionKey)
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=momo_client op=token status=%d msg=\"non-2xx response\"", resp.StatusCode)
		return "", &APIError{Op: "token", StatusCode: resp.StatusCode, Body: truncate(bodyBytes)}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(bodyBytes, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("momo token response missing access_token")
	}
	return tokenResp.AccessToken, nil
}

// Transfer submits a disbursement transfer. The provider acknowledges accepted
// transfers with 202; anything else is a failure.
func (c *Client) Transfer(ctx context.Context, token string, params TransferParams) error {
	payload := TransferRequest{
		Amount:     params.Amount,
		Currency:   params.Currency,
		ExternalID: params.ExternalID,
		Payee: TransferPayee{
			PartyIDType: "MSISDN",
			PartyID:     strings.TrimPrefix(params.PayeeMSISDN, "+"),
		},
		PayerMessage: params.PayerMessage,
		PayeeNote:    params.PayeeNote,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/disbursement/v1_0/transfer", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create transfer request: %w", err)
	}

	req.Header.Set("Ocp-Apim-Subscription-Key", c.SubscriptionKey)
	req.Header.Set("X-Reference-Id", params.ReferenceID)
	req.Header.Set("X-Target-Environment", c.TargetEnv)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		bodyBytes, _ := io.ReadAll(resp.Body)
		log.Printf("level=warn component=momo_client op=transfer reference=%s status=%d msg=\"transfer not accepted\"", params.ReferenceID, resp.StatusCode)
		return &APIError{Op: "transfer", StatusCode: resp.StatusCode, Body: truncate(bodyBytes)}
	}
	return nil
}

func truncate(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max]
	}
	return s
}
