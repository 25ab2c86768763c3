package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	PartitionHeader     = "X-Partition-ID"
	PartitionQueryParam = "partition_id"

	partitionKey = "partition_id"
)

// Partition resolves the archive partition a request targets: the
// X-Partition-ID header, then the partition_id query parameter, then
// fallback. A request with none of them, or with a malformed id, is
// rejected.
func Partition(fallback uuid.UUID) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(PartitionHeader)
			if raw == "" {
				raw = c.QueryParam(PartitionQueryParam)
			}

			id := fallback
			if raw != "" {
				parsed, err := uuid.Parse(raw)
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "invalid partition id")
				}
				id = parsed
			}
			if id == uuid.Nil {
				return echo.NewHTTPError(http.StatusBadRequest, "partition id is required")
			}

			c.Set(partitionKey, id)
			return next(c)
		}
	}
}

// PartitionFromContext returns the id set by Partition.
func PartitionFromContext(c echo.Context) (uuid.UUID, bool) {
	id, ok := c.Get(partitionKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
