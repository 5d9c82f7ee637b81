package dispatch

import (
	"fmt"
	"time"
)

// TriggerID derives the one-shot trigger id for a site, operation and local
// target time. The same inputs always yield the same id.
func TriggerID(operation, siteID string, target time.Time) string {
	return fmt.Sprintf("sitepulse:%s:%s:%s:%s", operation, siteID, target.Format("2006-01-02"), target.Format("1504"))
}
