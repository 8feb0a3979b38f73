package membership

import (
	"fmt"
	"time"
)

// OrderID derives the gateway order id from the buyer and the creation time
func OrderID(userID string, createdAt time.Time) string {
	return fmt.Sprintf("VIP_%s_%d", userID, createdAt.Unix())
}
