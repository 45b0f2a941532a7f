package cache

import "fmt"

func SnapshotKey(jobID string) string {
	return fmt.Sprintf("analysis:snapshot:%s", jobID)
}

func StudyKey(studyID string) string {
	return fmt.Sprintf("study:%s", studyID)
}

func ServiceConfigKey() string {
	return "analysis:config"
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
