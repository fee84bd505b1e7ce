package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/qrpaylabs/qrpay-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDuplicateInvoice is returned when an invoice number is already taken.
var ErrDuplicateInvoice = errors.New("invoice number already exists")

// ErrInvalidTransaction is returned when a mandatory field is absent.
var ErrInvalidTransaction = errors.New("invalid transaction data")

// ErrTransactionNotFound is returned when no record matches the invoice number.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrAlreadyProcessed means the record is already in a terminal state; the
// attempted transition had no effect.
var ErrAlreadyProcessed = errors.New("transaction already processed")

// ErrMerchantNotFound means no credential set exists for the admin.
var ErrMerchantNotFound = errors.New("merchant credentials not found")

const merchantCacheTTL = 5 * time.Minute

// reconcilableStatuses are the states the poller still acts on. Every guarded
// update below is conditioned on this set so a terminal row can never be
// overwritten.
var reconcilableStatuses = []model.TxStatus{model.StatusPending, model.StatusUnknown}

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	FindByInvoice(ctx context.Context, invoiceNumber string) (*model.Transaction, error)
	FindReconcilable(ctx context.Context) ([]model.Transaction, error)
	ApplyTransition(ctx context.Context, invoiceNumber string, newStatus model.TxStatus, paymentRef string, amount decimal.Decimal) (*model.Transaction, error)
	IncrementRetry(ctx context.Context, invoiceNumber string) (int, error)
	ResolveMerchant(ctx context.Context, adminID uint64) (*model.MerchantCredential, error)
	PublishTransactionUpdated(ctx context.Context, t *model.Transaction) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateTransaction inserts a new pending record.
func (r *Repository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	if t.InvoiceNumber == "" || t.Nonce == "" || t.Signature == "" || t.AdminID == 0 {
		return ErrInvalidTransaction
	}
	if t.Amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidTransaction
	}
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	// the unique index on invoice_number is the arbiter; a pre-check
	// would race with a concurrent create
	err := r.db.WithContext(ctx).Create(t).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateInvoice
	}
	return err
}

// FindByInvoice loads one record by its business key.
func (r *Repository) FindByInvoice(ctx context.Context, invoiceNumber string) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).Where("invoice_number = ?", invoiceNumber).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindReconcilable selects the records the poller still needs to query. A
// fresh snapshot every cycle; no cursor is held between cycles.
func (r *Repository) FindReconcilable(ctx context.Context) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("status IN ?", reconcilableStatuses).
		Order("created_at").
		Find(&txs).Error
	return txs, err
}

// ApplyTransition moves a record to newStatus with a single conditional
// update guarded on the current status being non-terminal. Zero rows
// affected on an existing record means a concurrent callback or poll won the
// race: the record is returned unchanged with ErrAlreadyProcessed.
// payment_reference and amount are only written together with a terminal
// transition, never independently.
func (r *Repository) ApplyTransition(ctx context.Context, invoiceNumber string, newStatus model.TxStatus, paymentRef string, amount decimal.Decimal) (*model.Transaction, error) {
	updates := map[string]interface{}{
		"status":     newStatus,
		"updated_at": time.Now(),
	}
	if newStatus.Terminal() && paymentRef != "" {
		updates["payment_reference"] = paymentRef
		updates["amount"] = amount
	}
	res := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("invoice_number = ? AND status IN ?", invoiceNumber, reconcilableStatuses).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	cur, err := r.FindByInvoice(ctx, invoiceNumber)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return cur, ErrAlreadyProcessed
	}
	if err := r.PublishTransactionUpdated(ctx, cur); err != nil {
		r.log.Warnf("publish transaction-updated %s: %v", invoiceNumber, err)
	}
	return cur, nil
}

// IncrementRetry bumps retry_count atomically and returns the new count.
// Terminal records are never touched.
func (r *Repository) IncrementRetry(ctx context.Context, invoiceNumber string) (int, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("invoice_number = ? AND status IN ?", invoiceNumber, reconcilableStatuses).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	cur, err := r.FindByInvoice(ctx, invoiceNumber)
	if err != nil {
		return 0, err
	}
	if res.RowsAffected == 0 {
		return cur.RetryCount, ErrAlreadyProcessed
	}
	return cur.RetryCount, nil
}

// ResolveMerchant looks up the credential set for an admin, reading through
// the redis cache.
func (r *Repository) ResolveMerchant(ctx context.Context, adminID uint64) (*model.MerchantCredential, error) {
	key := fmt.Sprintf("merchant:%d", adminID)
	if r.rdb != nil {
		if raw, err := r.rdb.Get(ctx, key).Result(); err == nil {
			var mc model.MerchantCredential
			if err := json.Unmarshal([]byte(raw), &mc); err == nil {
				return &mc, nil
			}
		}
	}
	var mc model.MerchantCredential
	err := r.db.WithContext(ctx).Where("admin_id = ?", adminID).First(&mc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMerchantNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.rdb != nil {
		raw, _ := json.Marshal(&mc)
		if err := r.rdb.Set(ctx, key, string(raw), merchantCacheTTL).Err(); err != nil {
			r.log.Warnf("cache merchant %d: %v", adminID, err)
		}
	}
	return &mc, nil
}

// PublishTransactionUpdated emits the fire-and-forget domain notification
// consumed by the real-time UI layer.
func (r *Repository) PublishTransactionUpdated(ctx context.Context, t *model.Transaction) error {
	if r.writer == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]interface{}{
		"event":             "transaction-updated",
		"invoice_number":    t.InvoiceNumber,
		"status":            t.Status,
		"payment_reference": t.PaymentReference,
		"amount":            t.Amount,
		"retry_count":       t.RetryCount,
	})
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(t.InvoiceNumber),
		Value: payload,
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}
