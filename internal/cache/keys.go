package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobUpdateChannel(jobID uuid.UUID) string {
	return fmt.Sprintf("job:update:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
