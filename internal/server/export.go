package server

import (
	"fmt"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func writeWorkbook(c *gin.Context, filename string, content []byte) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, xlsxContentType, content)
}

func (s *Server) ExportRoster(c *gin.Context) {
	employerID, ok := parsePathID(c, "employerId")
	if !ok {
		return
	}
	if !requireEmployerScope(c, employerID) {
		return
	}

	siteID, err := parseOptionalSnowflakeID(c.Query("site_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var site snowflake.ID
	if siteID != nil {
		site = *siteID
	}

	content, err := s.exportSvc.Roster(c.Request.Context(), employerID, site)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	writeWorkbook(c, fmt.Sprintf("roster-%s.xlsx", employerID), content)
}

func (s *Server) ExportBatch(c *gin.Context) {
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

	content, err := s.exportSvc.Batch(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	writeWorkbook(c, fmt.Sprintf("batch-%s-%s.xlsx", detail.Batch.Competence, id), content)
}
