package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/qrpaylabs/qrpay-service/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNotFound means the gateway has no record of the invoice yet. This is an
// expected condition that drives the retry counter, not a failure.
var ErrNotFound = errors.New("gateway: transaction not found")

// ErrUnavailable covers transport errors, timeouts, malformed responses and
// non-2xx replies. The poller retries these next cycle without touching the
// record.
var ErrUnavailable = errors.New("gateway: unavailable")

// StatusResult is the authoritative view the gateway returns for one invoice.
type StatusResult struct {
	ReferenceNumber string
	Status          string
	Amount          decimal.Decimal
}

// Client queries the gateway's transaction-lookup endpoint.
type Client struct {
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// NewClient constructs a gateway client with a hard per-request timeout.
func NewClient(timeout time.Duration, logger *zap.SugaredLogger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		log:        logger,
	}
}

type statusResponse struct {
	Data struct {
		ReferenceNumber string `json:"referenceNumber"`
		Status          string `json:"status"`
		Amount          string `json:"amount"`
	} `json:"data"`
}

// TransactionStatus asks the gateway for the current state of one invoice,
// authenticated with a signature computed by the caller.
func (c *Client) TransactionStatus(ctx context.Context, cred *model.MerchantCredential, invoiceNumber, timestamp, nonce, sig string) (*StatusResult, error) {
	endpoint := fmt.Sprintf("%s/api/1.0/transaction/%s",
		strings.TrimRight(cred.PaymentURL, "/"), url.PathEscape(invoiceNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	q := req.URL.Query()
	q.Set("signature", sig)
	q.Set("merchantId", cred.MerchantID)
	q.Set("timestamp", timestamp)
	q.Set("nonce", nonce)
	q.Set("secretKey", cred.MerchantSecret)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if body.Data.Status == "" {
		return nil, fmt.Errorf("%w: empty status for %s", ErrUnavailable, invoiceNumber)
	}
	// the gateway is authoritative for reference and amount; a reply
	// without a reference is malformed, not a result
	if body.Data.ReferenceNumber == "" {
		return nil, fmt.Errorf("%w: empty referenceNumber for %s", ErrUnavailable, invoiceNumber)
	}
	amount, err := decimal.NewFromString(body.Data.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", ErrUnavailable, body.Data.Amount, err)
	}
	return &StatusResult{
		ReferenceNumber: body.Data.ReferenceNumber,
		Status:          body.Data.Status,
		Amount:          amount,
	}, nil
}
