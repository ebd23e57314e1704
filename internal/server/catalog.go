// Software catalog: derived aggregate over every device's latest snapshot.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetrack/fleetrack/internal/models"
)

// catalogBase joins software items against latest snapshots only. Grouping
// key is (name, version, publisher); entries present only in older
// snapshots never appear.
const catalogBase = `
	FROM software_items si
	JOIN snapshots s ON si.snapshot_id = s.id
	JOIN (
		SELECT device_id, MAX(collected_at) AS max_collected
		FROM snapshots
		GROUP BY device_id
	) latest ON s.device_id = latest.device_id AND s.collected_at = latest.max_collected`

// ListSoftwareCatalog aggregates the catalog page. sortBy is one of
// device_count, name, latest_seen (validated by the handler).
func ListSoftwareCatalog(offset, limit int, search, publisher, sortBy string) ([]models.SoftwareCatalogItem, error) {
	where, args := catalogFilters(search, publisher)

	var orderBy string
	switch sortBy {
	case "name":
		orderBy = "si.name ASC"
	case "latest_seen":
		orderBy = "latest_seen DESC"
	default:
		orderBy = "device_count DESC"
	}

	query := `
		SELECT si.name, si.version, si.publisher,
		       COUNT(DISTINCT s.device_id) AS device_count,
		       MAX(s.collected_at) AS latest_seen` +
		catalogBase + where + `
		GROUP BY si.name, si.version, si.publisher
		ORDER BY ` + orderBy + `
		LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	catalog := []models.SoftwareCatalogItem{}
	err := DB.Raw(query, args...).Scan(&catalog).Error
	return catalog, err
}

// CountSoftwareCatalog counts distinct catalog entries under the same
// filters.
func CountSoftwareCatalog(search, publisher string) (int64, error) {
	where, args := catalogFilters(search, publisher)
	query := `
		SELECT COUNT(*) FROM (
			SELECT si.name, si.version, si.publisher` +
		catalogBase + where + `
			GROUP BY si.name, si.version, si.publisher
		)`

	var count int64
	err := DB.Raw(query, args...).Scan(&count).Error
	return count, err
}

func catalogFilters(search, publisher string) (string, []any) {
	where := ""
	var args []any
	if search != "" {
		where += " WHERE si.name LIKE ? COLLATE NOCASE"
		args = append(args, "%"+search+"%")
	}
	if publisher != "" {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += "si.publisher = ?"
		args = append(args, publisher)
	}
	return where, args
}

func handleListSoftwareCatalog(c *gin.Context) {
	page, limit, offset := pageParams(c)
	search := c.Query("search")
	publisher := c.Query("publisher")

	sortBy := c.DefaultQuery("sort", "device_count")
	switch sortBy {
	case "device_count", "name", "latest_seen":
	default:
		sortBy = "device_count"
	}

	catalog, err := ListSoftwareCatalog(offset, limit, search, publisher, sortBy)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to build software catalog")
		return
	}
	total, err := CountSoftwareCatalog(search, publisher)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to count software catalog")
		return
	}
	paginated(c, "software", catalog, total, page, limit)
}
