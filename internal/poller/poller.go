package poller

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qrpaylabs/qrpay-service/internal/gateway"
	"github.com/qrpaylabs/qrpay-service/internal/model"
	"github.com/qrpaylabs/qrpay-service/internal/repo"
	"github.com/qrpaylabs/qrpay-service/internal/signature"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Poller reconciles records the gateway never called back about. It runs for
// the life of the process and stops only when its context is cancelled.
type Poller struct {
	repo         repo.RepositoryInterface
	gw           *gateway.Client
	log          *zap.SugaredLogger
	interval     time.Duration
	retryCeiling int
	timeout      time.Duration
}

// New constructs a Poller.
func New(r repo.RepositoryInterface, gw *gateway.Client, interval time.Duration, retryCeiling int, timeout time.Duration, logger *zap.SugaredLogger) *Poller {
	return &Poller{
		repo:         r,
		gw:           gw,
		log:          logger,
		interval:     interval,
		retryCeiling: retryCeiling,
		timeout:      timeout,
	}
}

// Run ticks at the configured interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Infof("reconciliation poller started (interval=%s ceiling=%d)", p.interval, p.retryCeiling)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("reconciliation poller stopped")
			return
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

// RunCycle re-queries the reconcilable set and fans out one goroutine per
// record. One record's failure never aborts the others.
func (p *Poller) RunCycle(ctx context.Context) {
	txs, err := p.repo.FindReconcilable(ctx)
	if err != nil {
		p.log.Errorf("select reconcilable: %v", err)
		return
	}
	if len(txs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for i := range txs {
		wg.Add(1)
		go func(t model.Transaction) {
			defer wg.Done()
			p.reconcile(ctx, &t)
		}(txs[i])
	}
	wg.Wait()
}

func (p *Poller) reconcile(ctx context.Context, t *model.Transaction) {
	mc, err := p.repo.ResolveMerchant(ctx, t.AdminID)
	if errors.Is(err, repo.ErrMerchantNotFound) {
		// configuration gap, not a gateway response: skip without
		// touching retry_count
		p.log.Warnf("no merchant credentials for admin %d, skipping invoice %s", t.AdminID, t.InvoiceNumber)
		return
	}
	if err != nil {
		p.log.Errorf("resolve merchant for invoice %s: %v", t.InvoiceNumber, err)
		return
	}

	nonce := uuid.NewString()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := signature.Sign(signature.ReconciliationFields(mc.MerchantID, t.InvoiceNumber, ts, nonce), mc.MerchantSecret)
	if err != nil {
		p.log.Errorf("sign status query for invoice %s: %v", t.InvoiceNumber, err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	res, err := p.gw.TransactionStatus(cctx, mc, t.InvoiceNumber, ts, nonce, sig)

	switch {
	case errors.Is(err, gateway.ErrNotFound):
		p.handleGatewayMiss(ctx, t)
	case err != nil:
		// transient: state and retry_count untouched, retried next cycle
		p.log.Warnf("gateway lookup for invoice %s: %v", t.InvoiceNumber, err)
	default:
		p.handleGatewayStatus(ctx, t, res)
	}
}

// handleGatewayStatus applies the authoritative status the gateway reported.
// A well-formed response always counts as a poll attempt.
func (p *Poller) handleGatewayStatus(ctx context.Context, t *model.Transaction, res *gateway.StatusResult) {
	if _, err := p.repo.IncrementRetry(ctx, t.InvoiceNumber); err != nil {
		if errors.Is(err, repo.ErrAlreadyProcessed) {
			return
		}
		p.log.Errorf("increment retry for invoice %s: %v", t.InvoiceNumber, err)
		return
	}
	st := model.NormalizeGatewayStatus(res.Status)
	if st == model.StatusPending {
		return
	}
	_, err := p.repo.ApplyTransition(ctx, t.InvoiceNumber, st, res.ReferenceNumber, res.Amount)
	switch {
	case errors.Is(err, repo.ErrAlreadyProcessed):
		p.log.Infof("invoice %s already processed, poll result %q ignored", t.InvoiceNumber, res.Status)
	case err != nil:
		p.log.Errorf("apply %s transition for invoice %s: %v", st, t.InvoiceNumber, err)
	default:
		p.log.Infof("invoice %s reconciled to %s (ref=%s)", t.InvoiceNumber, st, res.ReferenceNumber)
	}
}

// handleGatewayMiss counts a not-found reply toward the expiry ceiling.
func (p *Poller) handleGatewayMiss(ctx context.Context, t *model.Transaction) {
	count, err := p.repo.IncrementRetry(ctx, t.InvoiceNumber)
	if err != nil {
		if errors.Is(err, repo.ErrAlreadyProcessed) {
			return
		}
		p.log.Errorf("increment retry for invoice %s: %v", t.InvoiceNumber, err)
		return
	}
	if count < p.retryCeiling {
		return
	}
	_, err = p.repo.ApplyTransition(ctx, t.InvoiceNumber, model.StatusExpired, "", decimal.Zero)
	if err != nil && !errors.Is(err, repo.ErrAlreadyProcessed) {
		p.log.Errorf("expire invoice %s: %v", t.InvoiceNumber, err)
		return
	}
	if err == nil {
		p.log.Infof("invoice %s expired after %d polls", t.InvoiceNumber, count)
	}
}
