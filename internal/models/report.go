package models

import "time"

// FileError 单个文件在某一阶段的失败
type FileError struct {
	Name  string `json:"name"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// SyncReport summarises one pull or push against remote storage.
type SyncReport struct {
	Listed     int         `json:"listed"`
	Downloaded []string    `json:"downloaded,omitempty"`
	Skipped    []string    `json:"skipped,omitempty"`
	Uploaded   []string    `json:"uploaded,omitempty"`
	Deleted    []string    `json:"deleted,omitempty"`
	Errors     []FileError `json:"errors,omitempty"`
}

func (r *SyncReport) AddError(name, stage string, err error) {
	r.Errors = append(r.Errors, FileError{Name: name, Stage: stage, Error: err.Error()})
}

// Merge 合并另一份报告
func (r *SyncReport) Merge(other SyncReport) {
	r.Listed += other.Listed
	r.Downloaded = append(r.Downloaded, other.Downloaded...)
	r.Skipped = append(r.Skipped, other.Skipped...)
	r.Uploaded = append(r.Uploaded, other.Uploaded...)
	r.Deleted = append(r.Deleted, other.Deleted...)
	r.Errors = append(r.Errors, other.Errors...)
}

// BatchReport 一批文件的处理结果
type BatchReport struct {
	Processed []string    `json:"processed,omitempty"`
	Skipped   []string    `json:"skipped,omitempty"`
	Busy      []string    `json:"busy,omitempty"`
	Errors    []FileError `json:"errors,omitempty"`
}

// CycleReport is the outcome of one pull, process, reprocess, push cycle.
type CycleReport struct {
	ID          string      `json:"id"`
	Trigger     string      `json:"trigger"`
	StartedAt   time.Time   `json:"startedAt"`
	FinishedAt  time.Time   `json:"finishedAt"`
	Pull        SyncReport  `json:"pull"`
	Batch       BatchReport `json:"batch"`
	Reprocessed int         `json:"reprocessed"`
	Push        SyncReport  `json:"push"`
	Error       string      `json:"error,omitempty"`
}
