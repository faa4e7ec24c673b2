package server

import (
	"strings"

	batchdomain "github.com/beneplus/beneflow/internal/batch/domain"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func parsePathID(c *gin.Context, name string) (snowflake.ID, bool) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || parsed == 0 {
		AbortWithError(c, newValidationError(name, "invalid_id", "invalid id"))
		return 0, false
	}
	return parsed, true
}

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed == 0 {
		return nil, newValidationError("id", "invalid_id", "invalid id")
	}
	return &parsed, nil
}

func parseOptionalBatchStatus(value string) (batchdomain.BatchStatus, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(value))
	if trimmed == "" {
		return "", nil
	}
	switch status := batchdomain.BatchStatus(trimmed); status {
	case batchdomain.StatusDraft,
		batchdomain.StatusAwaitingProcessing,
		batchdomain.StatusPendingQuote,
		batchdomain.StatusQuoted,
		batchdomain.StatusEmployerApproved,
		batchdomain.StatusEmployerRejected,
		batchdomain.StatusSubmittedToInsurer,
		batchdomain.StatusAwaitingCorrection,
		batchdomain.StatusAwaitingFinalization,
		batchdomain.StatusFinalized,
		batchdomain.StatusInvoiced:
		return status, nil
	default:
		return "", newValidationError("status", "invalid_status", "invalid status")
	}
}

func parseOptionalLifecycleStatus(value string) (*rosterdomain.LifecycleStatus, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(value))
	if trimmed == "" {
		return nil, nil
	}
	status := rosterdomain.LifecycleStatus(trimmed)
	if status != rosterdomain.LifecycleActive && status != rosterdomain.LifecycleTerminated {
		return nil, newValidationError("lifecycle_status", "invalid_lifecycle_status", "invalid lifecycle status")
	}
	return &status, nil
}
