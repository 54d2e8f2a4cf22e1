package cache

import "fmt"

func TaskStatusKey(taskID string) string {
	return fmt.Sprintf("task:%s:status", taskID)
}

func TaskProgressKey(taskID string) string {
	return fmt.Sprintf("task:%s:progress", taskID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}
