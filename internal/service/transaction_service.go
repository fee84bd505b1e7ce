package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qrpaylabs/qrpay-service/internal/model"
	"github.com/qrpaylabs/qrpay-service/internal/repo"
	"github.com/qrpaylabs/qrpay-service/internal/signature"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidAmount means non-positive or unparseable amount passed.
var ErrInvalidAmount = errors.New("amount must be a positive decimal")

// ErrSignatureMismatch means the inbound callback signature did not match a
// freshly computed digest; the payload is not trusted.
var ErrSignatureMismatch = errors.New("callback signature mismatch")

// ErrUnknownCallbackType rejects callback types outside the closed set.
var ErrUnknownCallbackType = errors.New("unknown callback type")

// CallbackKind is the closed set of inbound callback variants. Success has
// its own dedicated endpoint since the gateway sends different redirect
// parameters for it.
type CallbackKind int

const (
	CallbackError CallbackKind = iota
	CallbackCancel
	CallbackSuccess
)

// ParseCallbackKind maps the path segment onto the variant, rejecting
// anything outside the set at the boundary.
func ParseCallbackKind(s string) (CallbackKind, error) {
	switch s {
	case "error-callback":
		return CallbackError, nil
	case "cancel-callback":
		return CallbackCancel, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCallbackType, s)
	}
}

// Status is the terminal state this callback variant maps to.
func (k CallbackKind) Status() model.TxStatus {
	switch k {
	case CallbackError:
		return model.StatusFailed
	case CallbackCancel:
		return model.StatusCancelled
	case CallbackSuccess:
		return model.StatusPaid
	}
	return model.StatusUnknown
}

// CallbackPayload is the body every callback endpoint receives.
type CallbackPayload struct {
	InvoiceNumber string
	Nonce         string
	Refno         string
	Amount        string
	Signature     string
}

// TransactionService glues business logic and repository.
type TransactionService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewTransactionService returns TransactionService.
func NewTransactionService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *TransactionService {
	return &TransactionService{repo: r, log: logger}
}

// CreateInvoice registers a new payment request: generates the nonce, signs
// the creation fields with the owning merchant's secret and stores the
// pending record. Returns the record and the QR content the UI renders.
func (s *TransactionService) CreateInvoice(ctx context.Context, adminID uint64, invoiceNumber string, amount decimal.Decimal) (*model.Transaction, string, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, "", ErrInvalidAmount
	}
	mc, err := s.repo.ResolveMerchant(ctx, adminID)
	if err != nil {
		return nil, "", err
	}
	nonce := uuid.NewString()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := signature.Sign(signature.ReconciliationFields(mc.MerchantID, invoiceNumber, ts, nonce), mc.MerchantSecret)
	if err != nil {
		return nil, "", err
	}
	t := &model.Transaction{
		InvoiceNumber: invoiceNumber,
		Nonce:         nonce,
		Amount:        amount,
		Status:        model.StatusPending,
		Signature:     sig,
		AdminID:       adminID,
	}
	if err := s.repo.CreateTransaction(ctx, t); err != nil {
		return nil, "", err
	}
	qrContent := "00020101021226620015" + t.InvoiceNumber
	return t, qrContent, nil
}

// InvoiceExists is the pre-submission duplicate check used by the creation UI.
func (s *TransactionService) InvoiceExists(ctx context.Context, invoiceNumber string) (bool, error) {
	_, err := s.repo.FindByInvoice(ctx, invoiceNumber)
	if errors.Is(err, repo.ErrTransactionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetInvoice loads one record.
func (s *TransactionService) GetInvoice(ctx context.Context, invoiceNumber string) (*model.Transaction, error) {
	return s.repo.FindByInvoice(ctx, invoiceNumber)
}

// ListInvoices fetches recent records, optionally filtered by status and admin.
func (s *TransactionService) ListInvoices(ctx context.Context, status model.TxStatus, adminID uint64, limit, offset int) ([]model.Transaction, error) {
	q := s.repo.DB(ctx).Model(&model.Transaction{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if adminID != 0 {
		q = q.Where("admin_id = ?", adminID)
	}
	var txs []model.Transaction
	err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&txs).Error
	return txs, err
}

// HandleCallback verifies an inbound gateway/redirect notification and
// applies the corresponding terminal transition. The inbound signature is
// recomputed from the body fields and the owning merchant's secret before
// anything in the payload is trusted.
func (s *TransactionService) HandleCallback(ctx context.Context, kind CallbackKind, p CallbackPayload) (*model.Transaction, error) {
	t, err := s.repo.FindByInvoice(ctx, p.InvoiceNumber)
	if err != nil {
		return nil, err
	}
	mc, err := s.repo.ResolveMerchant(ctx, t.AdminID)
	if err != nil {
		return nil, err
	}
	ok, err := signature.Verify(
		signature.CallbackFields(p.InvoiceNumber, p.Nonce, p.Refno, p.Amount),
		mc.MerchantSecret, p.Signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.Warnf("signature mismatch on %s callback for invoice %s", kind.Status(), p.InvoiceNumber)
		return nil, ErrSignatureMismatch
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	return s.repo.ApplyTransition(ctx, p.InvoiceNumber, kind.Status(), p.Refno, amount)
}
