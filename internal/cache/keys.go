package cache

import (
	"fmt"
	"strings"
)

const (
	advisoryKeyFmt = "executor:%s:advisory:%s"
	newsKeyFmt     = "executor:news:%s"
	statusKeyFmt   = "executor:%s:status"
)

// AdvisoryKey scopes an advisory decision key to one executor.
func AdvisoryKey(executorID, decisionKey string) string {
	return fmt.Sprintf(advisoryKeyFmt, executorID, decisionKey)
}

// NewsKey scopes a calendar cache entry. Calendar data is shared by every
// executor.
func NewsKey(name string) string {
	return fmt.Sprintf(newsKeyFmt, strings.ToLower(name))
}

// StatusKey is where an executor mirrors its last status snapshot.
func StatusKey(executorID string) string {
	return fmt.Sprintf(statusKeyFmt, executorID)
}
