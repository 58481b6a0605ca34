package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mbelyco/promo-service/internal/domain"
	"github.com/mbelyco/promo-service/internal/store"
	"github.com/mbelyco/promo-service/pkg/momoclient"
)

func workerRedemption() *domain.Redemption {
	return &domain.Redemption{
		ID:          42,
		PromoCodeID: 7,
		UserID:      11,
		PhoneNumber: "+250781234567",
		Amount:      decimal.NewFromInt(5000),
		Currency:    "RWF",
		Status:      domain.RedemptionStatusInitiated,
	}
}

type stubDisburser struct {
	mode  string
	err   error
	calls int
	refs  []string
}

func (d *stubDisburser) Mode() string { return d.mode }

func (d *stubDisburser) Disburse(ctx context.Context, redemption *domain.Redemption, reference string) error {
	d.calls++
	d.refs = append(d.refs, reference)
	return d.err
}

func jobBody(t *testing.T, redemptionID int64) []byte {
	t.Helper()
	body, err := json.Marshal(domain.DisbursementJob{RedemptionID: redemptionID})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return body
}

func TestHandleJobDisbursesWithDerivedReference(t *testing.T) {
	repo := &stubRepo{
		findRedemption: func(ctx context.Context, redemptionID int64) (*domain.Redemption, error) {
			return workerRedemption(), nil
		},
		findDisb: func(ctx context.Context, reference string) (*domain.Disbursement, error) {
			return nil, store.ErrDisbursementNotFound
		},
	}
	disburser := &stubDisburser{mode: ModeSandbox}
	worker := NewDisbursementWorker(repo, disburser, "MBELYCO", nil)

	if err := worker.HandleJob(context.Background(), jobBody(t, 42)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if disburser.calls != 1 {
		t.Fatalf("expected one disburse call, got %d", disburser.calls)
	}
	if disburser.refs[0] != "MBELYCO-42" {
		t.Errorf("expected reference MBELYCO-42, got %q", disburser.refs[0])
	}
}

func TestHandleJobDropsMalformedPayload(t *testing.T) {
	disburser := &stubDisburser{mode: ModeSandbox}
	worker := NewDisbursementWorker(&stubRepo{}, disburser, "MBELYCO", nil)

	if err := worker.HandleJob(context.Background(), []byte("not json")); err != nil {
		t.Fatalf("malformed payloads must be dropped, not retried: %v", err)
	}
	if disburser.calls != 0 {
		t.Errorf("malformed payload must not reach the disburser")
	}
}

func TestHandleJobDropsUnknownRedemption(t *testing.T) {
	repo := &stubRepo{
		findRedemption: func(ctx context.Context, redemptionID int64) (*domain.Redemption, error) {
			return nil, store.ErrRedemptionNotFound
		},
	}
	disburser := &stubDisburser{mode: ModeSandbox}
	worker := NewDisbursementWorker(repo, disburser, "MBELYCO", nil)

	if err := worker.HandleJob(context.Background(), jobBody(t, 99)); err != nil {
		t.Fatalf("unknown redemptions must be dropped, not retried: %v", err)
	}
	if disburser.calls != 0 {
		t.Errorf("unknown redemption must not reach the disburser")
	}
}

func TestHandleJobSkipsSettledDisbursement(t *testing.T) {
	repo := &stubRepo{
		findRedemption: func(ctx context.Context, redemptionID int64) (*domain.Redemption, error) {
			return workerRedemption(), nil
		},
		findDisb: func(ctx context.Context, reference string) (*domain.Disbursement, error) {
			return &domain.Disbursement{ID: 5, RedemptionID: 42, Status: domain.DisbursementStatusSuccess}, nil
		},
	}
	disburser := &stubDisburser{mode: ModeLive}
	worker := NewDisbursementWorker(repo, disburser, "MBELYCO", nil)

	if err := worker.HandleJob(context.Background(), jobBody(t, 42)); err != nil {
		t.Fatalf("redelivery of a settled job must ack: %v", err)
	}
	if disburser.calls != 0 {
		t.Errorf("settled disbursement must not be paid again")
	}
}

func TestHandleJobPropagatesDisburseFailure(t *testing.T) {
	repo := &stubRepo{
		findRedemption: func(ctx context.Context, redemptionID int64) (*domain.Redemption, error) {
			return workerRedemption(), nil
		},
		findDisb: func(ctx context.Context, reference string) (*domain.Disbursement, error) {
			return nil, store.ErrDisbursementNotFound
		},
	}
	disburser := &stubDisburser{mode: ModeLive, err: errors.New("provider rejected transfer")}
	worker := NewDisbursementWorker(repo, disburser, "MBELYCO", nil)

	if err := worker.HandleJob(context.Background(), jobBody(t, 42)); err == nil {
		t.Fatal("a provider failure must surface so the queue retries")
	}
}

func TestSandboxDisburserRecordsSyntheticTransaction(t *testing.T) {
	var gotRef, gotTx string
	repo := &stubRepo{
		completeSandbox: func(ctx context.Context, redemption *domain.Redemption, reference, transactionID string) error {
			gotRef = reference
			gotTx = transactionID
			return nil
		},
	}
	d := NewSandboxDisburser(repo)

	if err := d.Disburse(context.Background(), workerRedemption(), "MBELYCO-42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotRef != "MBELYCO-42" {
		t.Errorf("expected reference MBELYCO-42, got %q", gotRef)
	}
	if !strings.HasPrefix(gotTx, "sandbox-") {
		t.Errorf("expected synthetic transaction id, got %q", gotTx)
	}
}

func TestMomoDisburserHappyPath(t *testing.T) {
	var transferHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/disbursement/token/":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"tok-1"}`))
		case "/disbursement/v1_0/transfer":
			transferHeaders = r.Header.Clone()
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	var pendingRef string
	repo := &stubRepo{
		createPending: func(ctx context.Context, redemption *domain.Redemption, reference string) error {
			pendingRef = reference
			return nil
		},
	}
	client := momoclient.NewClient(server.URL, "user", "key", "sub", "sandbox")
	d := NewMomoDisburser(repo, client)

	if err := d.Disburse(context.Background(), workerRedemption(), "MBELYCO-42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pendingRef != "MBELYCO-42" {
		t.Errorf("pending disbursement must be recorded before the transfer, got %q", pendingRef)
	}
	if got := transferHeaders.Get("X-Reference-Id"); got != "MBELYCO-42" {
		t.Errorf("expected X-Reference-Id MBELYCO-42, got %q", got)
	}
	if got := transferHeaders.Get("Authorization"); got != "Bearer tok-1" {
		t.Errorf("expected bearer token, got %q", got)
	}
}

func TestMomoDisburserRecordsProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/disbursement/token/":
			w.Write([]byte(`{"access_token":"tok-1"}`))
		case "/disbursement/v1_0/transfer":
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	var recordedError string
	repo := &stubRepo{
		createPending: func(ctx context.Context, redemption *domain.Redemption, reference string) error {
			return nil
		},
		recordFailure: func(ctx context.Context, reference, errorMessage string) error {
			recordedError = errorMessage
			return nil
		},
	}
	client := momoclient.NewClient(server.URL, "user", "key", "sub", "sandbox")
	d := NewMomoDisburser(repo, client)

	err := d.Disburse(context.Background(), workerRedemption(), "MBELYCO-42")
	if err == nil {
		t.Fatal("a rejected transfer must return an error so the job retries")
	}
	if recordedError == "" {
		t.Error("the provider failure must be recorded on the disbursement row")
	}
}

func TestDeadLetterHookPublishesPayload(t *testing.T) {
	pub := &stubPublisher{}
	hook := NewDeadLetterHook(pub, "promo.events", nil, LogAlerter{})

	payload := jobBody(t, 42)
	hook(context.Background(), payload)

	if len(pub.published) != 1 {
		t.Fatalf("expected one dead-letter publish, got %d", len(pub.published))
	}
	msg := pub.published[0]
	if msg.routingKey != DLQRoutingKey {
		t.Errorf("expected routing key %q, got %q", DLQRoutingKey, msg.routingKey)
	}
	body, ok := msg.body.([]byte)
	if !ok || string(body) != string(payload) {
		t.Errorf("dead-letter payload must be the original job body")
	}
}
