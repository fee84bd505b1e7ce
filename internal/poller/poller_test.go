package poller

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qrpaylabs/qrpay-service/internal/gateway"
	"github.com/qrpaylabs/qrpay-service/internal/logger"
	"github.com/qrpaylabs/qrpay-service/internal/model"
	"github.com/qrpaylabs/qrpay-service/internal/repo"
	"github.com/qrpaylabs/qrpay-service/internal/signature"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testSecret = "s3cret"

type fixture struct {
	repo *repo.Repository
	db   *gorm.DB
}

func newFixture(t *testing.T, gatewayURL string) *fixture {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.MerchantCredential{}))

	require.NoError(t, db.Create(&model.MerchantCredential{
		AdminID:        1,
		MerchantID:     "M-1",
		MerchantSecret: testSecret,
		PaymentURL:     gatewayURL,
	}).Error)

	log, _ := logger.NewLogger()
	return &fixture{repo: repo.NewRepository(db, nil, nil, log), db: db}
}

func (f *fixture) newPoller(ceiling int) *Poller {
	log, _ := logger.NewLogger()
	gw := gateway.NewClient(2*time.Second, log)
	return New(f.repo, gw, time.Minute, ceiling, 2*time.Second, log)
}

func (f *fixture) seedPending(t *testing.T, invoice string, adminID uint64) {
	require.NoError(t, f.repo.CreateTransaction(context.Background(), &model.Transaction{
		InvoiceNumber: invoice,
		Nonce:         "abc123",
		Amount:        decimal.NewFromInt(100),
		Status:        model.StatusPending,
		Signature:     strings.Repeat("ab", 64),
		AdminID:       adminID,
	}))
}

func (f *fixture) load(t *testing.T, invoice string) *model.Transaction {
	tx, err := f.repo.FindByInvoice(context.Background(), invoice)
	require.NoError(t, err)
	return tx
}

func TestRunCycle_GatewayReportsPaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the poller must sign its own query correctly
		q := r.URL.Query()
		want, err := signature.Sign(
			signature.ReconciliationFields(q.Get("merchantId"), "INV-100", q.Get("timestamp"), q.Get("nonce")),
			q.Get("secretKey"))
		if err != nil || want != q.Get("signature") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"data":{"referenceNumber":"REF-1","status":"Paid","amount":"150.00"}}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.seedPending(t, "INV-100", 1)

	f.newPoller(10).RunCycle(context.Background())

	tx := f.load(t, "INV-100")
	assert.Equal(t, model.StatusPaid, tx.Status)
	require.NotNil(t, tx.PaymentReference)
	assert.Equal(t, "REF-1", *tx.PaymentReference)
	assert.Equal(t, "150.00", tx.Amount.StringFixed(2))
	assert.Equal(t, 1, tx.RetryCount)
}

func TestRunCycle_ExpiresExactlyAtCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.seedPending(t, "INV-100", 1)
	p := f.newPoller(10)
	ctx := context.Background()

	for i := 1; i <= 9; i++ {
		p.RunCycle(ctx)
		tx := f.load(t, "INV-100")
		assert.Equal(t, model.StatusPending, tx.Status, "cycle %d must not expire yet", i)
		assert.Equal(t, i, tx.RetryCount)
	}

	p.RunCycle(ctx)
	tx := f.load(t, "INV-100")
	assert.Equal(t, model.StatusExpired, tx.Status)
	assert.Equal(t, 10, tx.RetryCount)

	// expired is terminal: further cycles change nothing
	p.RunCycle(ctx)
	tx = f.load(t, "INV-100")
	assert.Equal(t, model.StatusExpired, tx.Status)
	assert.Equal(t, 10, tx.RetryCount)
}

func TestRunCycle_TransientErrorLeavesRecordUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.seedPending(t, "INV-100", 1)

	f.newPoller(10).RunCycle(context.Background())

	tx := f.load(t, "INV-100")
	assert.Equal(t, model.StatusPending, tx.Status)
	assert.Equal(t, 0, tx.RetryCount)
}

func TestRunCycle_PaidWithoutReferenceIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"referenceNumber":"","status":"Paid","amount":"150.00"}}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.seedPending(t, "INV-100", 1)

	f.newPoller(10).RunCycle(context.Background())

	// a terminal status with no reference must never land: the record
	// would go paid with the stale creation-time amount
	tx := f.load(t, "INV-100")
	assert.Equal(t, model.StatusPending, tx.Status)
	assert.Nil(t, tx.PaymentReference)
	assert.Equal(t, "100.00", tx.Amount.StringFixed(2))
	assert.Equal(t, 0, tx.RetryCount)
}

func TestRunCycle_MissingCredentialsSkipsRecord(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.seedPending(t, "INV-100", 99) // no credential row for admin 99

	f.newPoller(10).RunCycle(context.Background())

	tx := f.load(t, "INV-100")
	assert.Equal(t, model.StatusPending, tx.Status)
	assert.Equal(t, 0, tx.RetryCount, "a configuration gap must not count as a poll attempt")
	assert.EqualValues(t, 0, atomic.LoadInt64(&hits))
}

func TestRunCycle_UnknownStatusStaysReconcilable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"referenceNumber":"REF-1","status":"Processing","amount":"100.00"}}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.seedPending(t, "INV-100", 1)
	p := f.newPoller(10)
	ctx := context.Background()

	p.RunCycle(ctx)
	tx := f.load(t, "INV-100")
	assert.Equal(t, model.StatusUnknown, tx.Status)
	assert.Nil(t, tx.PaymentReference)
	assert.Equal(t, 1, tx.RetryCount)

	// still picked up next cycle
	p.RunCycle(ctx)
	tx = f.load(t, "INV-100")
	assert.Equal(t, 2, tx.RetryCount)
}

func TestRunCycle_OneFailureDoesNotAbortOthers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/INV-BAD") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{"referenceNumber":"REF-2","status":"Paid","amount":"100.00"}}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.seedPending(t, "INV-BAD", 1)
	f.seedPending(t, "INV-OK", 1)

	f.newPoller(10).RunCycle(context.Background())

	assert.Equal(t, model.StatusPending, f.load(t, "INV-BAD").Status)
	assert.Equal(t, model.StatusPaid, f.load(t, "INV-OK").Status)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	log, _ := logger.NewLogger()
	gw := gateway.NewClient(time.Second, log)
	p := New(f.repo, gw, 10*time.Millisecond, 10, time.Second, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on context cancellation")
	}
}
