package worker

import (
	"fmt"

	"github.com/google/uuid"

	"fintraq/internal/core"
)

var keyNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("fintraq.captured_record"))

// IdempotencyKey derives a stable key for a record so that a resubmission
// after a lost acknowledgment is recognized by the server.
func IdempotencyKey(deviceID string, rec core.CapturedRecord) string {
	key := fmt.Sprintf("%s|%d|%d|%s", deviceID, rec.LocalID, rec.CapturedAt.UnixMilli(), rec.Originator)
	return uuid.NewSHA1(keyNamespace, []byte(key)).String()
}
