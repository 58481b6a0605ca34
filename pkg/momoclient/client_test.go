package momoclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/disbursement/token/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "sub" {
			t.Errorf("missing subscription key header")
		}
		// user:key base64
		if r.Header.Get("Authorization") != "Basic dXNlcjprZXk=" {
			t.Errorf("unexpected authorization header %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"access_token":"tok-1"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "user", "key", "sub", "sandbox")
	token, err := client.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("expected tok-1, got %q", token)
	}
}

func TestGetAccessTokenFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"invalid credentials"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "user", "key", "sub", "sandbox")
	_, err := client.GetAccessToken(context.Background())
	if err == nil {
		t.Fatal("expected an error for a 401 response")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected an APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", apiErr.StatusCode)
	}
}

func TestTransferAccepted(t *testing.T) {
	var payload TransferRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/disbursement/v1_0/transfer" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Reference-Id") != "MBELYCO-42" {
			t.Errorf("unexpected reference header %q", r.Header.Get("X-Reference-Id"))
		}
		if r.Header.Get("X-Target-Environment") != "sandbox" {
			t.Errorf("unexpected target environment %q", r.Header.Get("X-Target-Environment"))
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, "user", "key", "sub", "sandbox")
	err := client.Transfer(context.Background(), "tok-1", TransferParams{
		ReferenceID:  "MBELYCO-42",
		Amount:       "5000",
		Currency:     "RWF",
		PayeeMSISDN:  "+250781234567",
		ExternalID:   "MBELYCO-42",
		PayerMessage: "Promo code redemption",
		PayeeNote:    "Promo payout",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Amount != "5000" {
		t.Errorf("amount must be sent as a decimal string, got %q", payload.Amount)
	}
	if payload.Payee.PartyIDType != "MSISDN" {
		t.Errorf("unexpected party id type %q", payload.Payee.PartyIDType)
	}
	if payload.Payee.PartyID != "250781234567" {
		t.Errorf("MSISDN must be sent without the leading plus, got %q", payload.Payee.PartyID)
	}
}

func TestTransferNonAcceptedStatusFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 200 is not an acceptance for this endpoint.
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "user", "key", "sub", "sandbox")
	err := client.Transfer(context.Background(), "tok-1", TransferParams{ReferenceID: "MBELYCO-42"})
	if err == nil {
		t.Fatal("only 202 acknowledges a transfer")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected an APIError, got %T", err)
	}
}
