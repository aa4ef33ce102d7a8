package shared

import "fmt"

// EcpSyncLockKey builds the redis key guarding a sync run for the given source.
func EcpSyncLockKey(source string) string {
	if source == "" {
		source = "default"
	}
	return fmt.Sprintf("ecp:sync:%s:lock", source)
}
