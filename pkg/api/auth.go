package api

import (
	"github.com/gin-gonic/gin"

	"github.com/dalston-ai/dalston/pkg/models"
)

// extractTenant extracts the caller's tenant from proxy headers.
// Priority: X-Dalston-Tenant (auth proxy) > tenant_id query parameter > "".
// Authentication itself happens upstream; the gateway trusts these headers.
func extractTenant(c *gin.Context) string {
	if tenant := c.GetHeader("X-Dalston-Tenant"); tenant != "" {
		return tenant
	}
	return c.Query("tenant_id")
}

// tenantMismatch reports whether the caller is scoped to a tenant other than
// the job's. An unscoped caller (no header, no query parameter) sees all
// tenants; scoped callers must not learn whether foreign job ids exist, so
// mismatches surface as not-found.
func tenantMismatch(c *gin.Context, job *models.Job) bool {
	tenant := extractTenant(c)
	return tenant != "" && tenant != job.TenantID
}
