package storage

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateInstanceID identifies the process that wrote a history record.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
