package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/qrpaylabs/qrpay-service/internal/model"
	"github.com/qrpaylabs/qrpay-service/internal/repo"
	"github.com/qrpaylabs/qrpay-service/internal/service"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, svc *service.TransactionService) {
	r.POST("/callback/:callbackType", callbackHandler(svc))
	r.POST("/success-callback", successCallbackHandler(svc))
	r.GET("/check-invoice/:invoice_number", checkInvoiceHandler(svc))
	r.GET("/healthz", healthzHandler)
	v1 := r.Group("/v1")
	{
		v1.POST("/invoices", createInvoiceHandler(svc))
		v1.GET("/invoices", listInvoicesHandler(svc))
		v1.GET("/invoices/:invoice_number", getInvoiceHandler(svc))
	}
}

type callbackReq struct {
	Nonce         string `json:"nonce" binding:"required"`
	Refno         string `json:"refno" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	Signature     string `json:"signature" binding:"required"`
	InvoiceNumber string `json:"invoice_number" binding:"required"`
}

type invoiceResp struct {
	InvoiceNumber    string  `json:"invoice_number"`
	Status           string  `json:"status"`
	Amount           string  `json:"amount"`
	PaymentReference *string `json:"payment_reference,omitempty"`
	RetryCount       int     `json:"retry_count"`
}

func toInvoiceResp(t *model.Transaction) invoiceResp {
	return invoiceResp{
		InvoiceNumber:    t.InvoiceNumber,
		Status:           string(t.Status),
		Amount:           t.Amount.StringFixed(2),
		PaymentReference: t.PaymentReference,
		RetryCount:       t.RetryCount,
	}
}

func callbackHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, err := service.ParseCallbackKind(c.Param("callbackType"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown callback type"})
			return
		}
		handleCallback(c, svc, kind)
	}
}

func successCallbackHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		handleCallback(c, svc, service.CallbackSuccess)
	}
}

func handleCallback(c *gin.Context, svc *service.TransactionService, kind service.CallbackKind) {
	var req callbackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data provided"})
		return
	}
	t, err := svc.HandleCallback(c, kind, service.CallbackPayload{
		InvoiceNumber: req.InvoiceNumber,
		Nonce:         req.Nonce,
		Refno:         req.Refno,
		Amount:        req.Amount,
		Signature:     req.Signature,
	})
	switch {
	case errors.Is(err, repo.ErrAlreadyProcessed):
		// expected race outcome: the redirect page renders "already
		// processed" instead of the transaction details
		c.JSON(http.StatusOK, gin.H{"status": "already_processed", "invoice_number": req.InvoiceNumber})
	case errors.Is(err, repo.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
	case errors.Is(err, service.ErrSignatureMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
	case errors.Is(err, service.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data provided"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to process callback"})
	default:
		c.JSON(http.StatusOK, toInvoiceResp(t))
	}
}

func checkInvoiceHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		exists, err := svc.InvoiceExists(c, c.Param("invoice_number"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !exists {
			c.JSON(http.StatusNotFound, gin.H{"status": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": true})
	}
}

type createInvoiceReq struct {
	InvoiceNumber string `json:"invoice_number" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	AdminID       uint64 `json:"admin_id" binding:"required"`
}

func createInvoiceHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createInvoiceReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data provided"})
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		t, qr, err := svc.CreateInvoice(c, req.AdminID, req.InvoiceNumber, amount)
		switch {
		case errors.Is(err, repo.ErrDuplicateInvoice):
			c.JSON(http.StatusConflict, gin.H{"error": "invoice number already exists"})
		case errors.Is(err, repo.ErrMerchantNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown merchant"})
		case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, repo.ErrInvalidTransaction):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data provided"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to create invoice"})
		default:
			c.JSON(http.StatusOK, gin.H{
				"invoice_number": t.InvoiceNumber,
				"nonce":          t.Nonce,
				"status":         string(t.Status),
				"qr_content":     qr,
			})
		}
	}
}

func getInvoiceHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.GetInvoice(c, c.Param("invoice_number"))
		if errors.Is(err, repo.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toInvoiceResp(t))
	}
}

func listInvoicesHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		adminID, _ := strconv.ParseUint(c.DefaultQuery("admin_id", "0"), 10, 64)
		status := model.TxStatus(c.Query("status"))
		txs, err := svc.ListInvoices(c, status, adminID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]invoiceResp, 0, len(txs))
		for i := range txs {
			out = append(out, toInvoiceResp(&txs[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

func healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
