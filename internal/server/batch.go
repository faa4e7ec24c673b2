package server

import (
	"io"
	"net/http"
	"strings"

	batchdomain "github.com/beneplus/beneflow/internal/batch/domain"
	"github.com/beneplus/beneflow/internal/scopectx"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// readSpreadsheet pulls the uploaded workbook out of the multipart
// form, enforcing the configured size cap before reading.
func (s *Server) readSpreadsheet(c *gin.Context) ([]byte, bool) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		AbortWithError(c, newValidationError("file", "missing_file", "multipart field 'file' is required"))
		return nil, false
	}
	defer file.Close()

	if header.Size > s.cfg.UploadMaxBytes {
		AbortWithError(c, newValidationError("file", "file_too_large", "file exceeds the upload size limit"))
		return nil, false
	}

	content, err := io.ReadAll(io.LimitReader(file, s.cfg.UploadMaxBytes+1))
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	if int64(len(content)) > s.cfg.UploadMaxBytes {
		AbortWithError(c, newValidationError("file", "file_too_large", "file exceeds the upload size limit"))
		return nil, false
	}
	return content, true
}

func (s *Server) UploadRoster(c *gin.Context) {
	employerID, ok := parsePathID(c, "employerId")
	if !ok {
		return
	}
	siteID, ok := parsePathID(c, "siteId")
	if !ok {
		return
	}
	if !requireEmployerScope(c, employerID) {
		return
	}

	content, ok := s.readSpreadsheet(c)
	if !ok {
		return
	}

	resp, err := s.batchSvc.SubmitRoster(c.Request.Context(), batchdomain.SubmitRosterRequest{
		EmployerID: employerID,
		SiteID:     siteID,
		Competence: strings.TrimSpace(c.Param("competence")),
		Content:    content,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) PreviewIngestion(c *gin.Context) {
	content, ok := s.readSpreadsheet(c)
	if !ok {
		return
	}

	result, err := s.ingestSvc.Ingest(c.Request.Context(), content)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListBatches(c *gin.Context) {
	var req batchdomain.ListBatchRequest
	if err := c.ShouldBindQuery(&req.Pagination); err != nil {
		AbortWithError(c, newValidationError("pagination", "invalid_pagination", "invalid pagination parameters"))
		return
	}

	employerID, err := parseOptionalSnowflakeID(c.Query("employer_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if employerID != nil {
		req.EmployerID = *employerID
	}

	siteID, err := parseOptionalSnowflakeID(c.Query("site_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if siteID != nil {
		req.SiteID = *siteID
	}

	status, err := parseOptionalBatchStatus(c.Query("status"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req.Status = status

	// Employer operators only ever see their own batches.
	if scope, ok := scopectx.FromContext(c.Request.Context()); ok && scope.Role == scopectx.RoleEmployerOperator {
		if scope.EmployerID == 0 {
			AbortWithError(c, ErrForbidden)
			return
		}
		req.EmployerID = scope.EmployerID
	}

	resp, err := s.batchSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetBatch(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	detail, err := s.batchSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !requireEmployerScope(c, detail.Batch.EmployerID) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": detail})
}

func (s *Server) MarkBatchReady(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	item, err := s.batchSvc.MarkReady(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

type quoteBody struct {
	UnitPrice decimal.Decimal                   `json:"unit_price"`
	Entries   []batchdomain.PricePlanEntryInput `json:"entries"`
}

func (s *Server) QuoteBatch(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	var body quoteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
		return
	}

	item, err := s.batchSvc.Quote(c.Request.Context(), batchdomain.QuoteRequest{
		BatchID:   id,
		UnitPrice: body.UnitPrice,
		Entries:   body.Entries,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ApproveBatch(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	item, err := s.batchSvc.EmployerApprove(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

type rejectBody struct {
	Reason string `json:"reason"`
}

func (s *Server) RejectBatch(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	var body rejectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
		return
	}

	item, err := s.batchSvc.EmployerReject(c.Request.Context(), id, body.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) SubmitBatchToInsurer(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	item, err := s.batchSvc.SubmitToInsurer(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

type adjudicateBody struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (s *Server) AdjudicateRecord(c *gin.Context) {
	batchID, ok := parsePathID(c, "id")
	if !ok {
		return
	}
	recordID, ok := parsePathID(c, "recordId")
	if !ok {
		return
	}

	var body adjudicateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
		return
	}

	var approve bool
	switch batchdomain.InsurerStatus(strings.ToUpper(strings.TrimSpace(body.Decision))) {
	case batchdomain.InsurerApproved:
		approve = true
	case batchdomain.InsurerRejected:
		approve = false
	default:
		AbortWithError(c, batchdomain.ErrInvalidDecision)
		return
	}

	record, err := s.batchSvc.Adjudicate(c.Request.Context(), batchdomain.AdjudicateRequest{
		BatchID:  batchID,
		RecordID: recordID,
		Approve:  approve,
		Reason:   body.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

type resubmitBody struct {
	ExpectedAttempt int `json:"expected_attempt"`
}

func (s *Server) ResubmitBatch(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	var body resubmitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
		return
	}

	item, err := s.batchSvc.Resubmit(c.Request.Context(), batchdomain.ResubmitRequest{
		BatchID:         id,
		ExpectedAttempt: body.ExpectedAttempt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) RecomputeBatch(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	item, err := s.batchSvc.Recompute(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) FinalizeBatch(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	item, err := s.batchSvc.Finalize(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) InvoiceBatch(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	item, err := s.batchSvc.Invoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

type notesBody struct {
	Notes string `json:"notes"`
}

func (s *Server) UpdateBatchNotes(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	var body notesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
		return
	}

	item, err := s.batchSvc.UpdateNotes(c.Request.Context(), id, body.Notes)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}
