package server

import (
	"teamplan/internal/domain"
)

// Response payloads

type AccountListResponse struct {
	Accounts []domain.Account `json:"accounts"`
}

type TaskListResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type ActivityListResponse struct {
	Entries []domain.ActivityEntry `json:"entries"`
}

type FileListResponse struct {
	Files []domain.FileRecord `json:"files"`
}

type StatsResponse struct {
	Tasks           map[string]int `json:"tasks" jsonschema:"type=object,additionalProperties=true"`
	ActivityEntries int64          `json:"activity_entries"`
}
