package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/beneplus/beneflow/internal/scopectx"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (s *Server) ListWorkers(c *gin.Context) {
	employerID, ok := parsePathID(c, "employerId")
	if !ok {
		return
	}
	if !requireEmployerScope(c, employerID) {
		return
	}

	req := rosterdomain.ListWorkersRequest{
		EmployerID: employerID,
		PageToken:  strings.TrimSpace(c.Query("page_token")),
	}

	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 1 {
			AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
			return
		}
		req.PageSize = size
	}

	siteID, err := parseOptionalSnowflakeID(c.Query("site_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req.SiteID = siteID

	status, err := parseOptionalLifecycleStatus(c.Query("lifecycle_status"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req.LifecycleStatus = status

	resp, err := s.rosterSvc.ListWorkers(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetWorker(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	worker, err := s.rosterSvc.GetWorker(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !requireEmployerScope(c, worker.EmployerID) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": worker})
}

type updateWorkerBody struct {
	Name      *string          `json:"name"`
	Sex       *string          `json:"sex"`
	BirthDate *time.Time       `json:"birth_date"`
	Salary    *decimal.Decimal `json:"salary"`
}

func (s *Server) UpdateWorker(c *gin.Context) {
	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	var body updateWorkerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
		return
	}

	existing, err := s.rosterSvc.GetWorker(c.Request.Context(), id.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !requireEmployerScope(c, existing.EmployerID) {
		return
	}

	req := rosterdomain.UpdateWorkerRequest{
		WorkerID:  id,
		Name:      body.Name,
		BirthDate: body.BirthDate,
		Salary:    body.Salary,
	}
	if body.Sex != nil {
		sex := rosterdomain.Sex(strings.ToUpper(strings.TrimSpace(*body.Sex)))
		switch sex {
		case rosterdomain.SexMasculine, rosterdomain.SexFeminine, rosterdomain.SexOther:
			req.Sex = &sex
		default:
			AbortWithError(c, newValidationError("sex", "invalid_sex", "invalid sex"))
			return
		}
	}

	worker, err := s.rosterSvc.UpdateWorker(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": worker})
}

func (s *Server) ListBrackets(c *gin.Context) {
	brackets, err := s.rosterSvc.Brackets(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": brackets})
}

func (s *Server) DeleteEmployer(c *gin.Context) {
	employerID, ok := parsePathID(c, "employerId")
	if !ok {
		return
	}

	// Removing an employer is a platform concern, never self-service.
	scope, ok := scopectx.FromContext(c.Request.Context())
	if !ok || scope.Role != scopectx.RolePlatformOperator {
		AbortWithError(c, ErrForbidden)
		return
	}

	cascade := strings.EqualFold(strings.TrimSpace(c.Query("cascade")), "true")

	if err := s.rosterSvc.DeleteEmployer(c.Request.Context(), employerID, cascade); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) RecentChanges(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.hub.Recent()})
}
