package models

import (
	"regexp"
	"strings"
	"time"
)

// FileType 源文件的粗粒度类型
type FileType string

const (
	FileTypeText      FileType = "text"
	FileTypePDF       FileType = "pdf"
	FileTypeImage     FileType = "image"
	FileTypeOfficeDoc FileType = "office-doc"
	FileTypeAudio     FileType = "audio"
	FileTypeOther     FileType = "other"
)

func (t FileType) IsValid() bool {
	switch t {
	case FileTypeText, FileTypePDF, FileTypeImage, FileTypeOfficeDoc, FileTypeAudio, FileTypeOther:
		return true
	}
	return false
}

// ParseStatus 记录提取和 AI 增强的结果
type ParseStatus string

const (
	ParseUnprocessed      ParseStatus = "unprocessed"
	ParseBasic            ParseStatus = "basic"
	ParseFullAI           ParseStatus = "full_ai"
	ParseExtractionFailed ParseStatus = "extraction_failed"
	ParseAIError          ParseStatus = "ai_error"
)

func (s ParseStatus) IsValid() bool {
	switch s {
	case ParseUnprocessed, ParseBasic, ParseFullAI, ParseExtractionFailed, ParseAIError:
		return true
	}
	return false
}

// ReprocessStatus 审核触发的重处理状态
type ReprocessStatus string

const (
	ReprocessNone       ReprocessStatus = "none"
	ReprocessRequested  ReprocessStatus = "requested"
	ReprocessInProgress ReprocessStatus = "in_progress"
	ReprocessComplete   ReprocessStatus = "complete"
	ReprocessFailed     ReprocessStatus = "failed"
)

func (s ReprocessStatus) IsValid() bool {
	switch s {
	case ReprocessNone, ReprocessRequested, ReprocessInProgress, ReprocessComplete, ReprocessFailed:
		return true
	}
	return false
}

// Settled reports whether a reviewed record may carry this status.
func (s ReprocessStatus) Settled() bool {
	return s == ReprocessNone || s == ReprocessComplete
}

// URLRef 文本中出现的链接，以及可选的抓取结果
type URLRef struct {
	URL         string `json:"url" yaml:"url"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ReprocessRound 一轮重处理的记录
type ReprocessRound struct {
	Round       int             `json:"round" yaml:"round"`
	Notes       string          `json:"notes,omitempty" yaml:"notes,omitempty"`
	ParseStatus ParseStatus     `json:"parseStatus" yaml:"parse_status"`
	Outcome     ReprocessStatus `json:"outcome" yaml:"outcome"`
	FinishedAt  time.Time       `json:"finishedAt" yaml:"finished_at"`
}

// Record is the metadata tracked for one ingested file. The YAML tags define
// the front matter of the stored document; RawText is the document body.
type Record struct {
	Identity          string           `json:"identity" yaml:"identity"`
	SourceFilename    string           `json:"sourceFilename" yaml:"source_filename"`
	FileType          FileType         `json:"fileType" yaml:"file_type"`
	SourceURL         string           `json:"sourceUrl,omitempty" yaml:"source_url,omitempty"`
	RawText           string           `json:"rawText" yaml:"-"`
	ExtractedURLs     []URLRef         `json:"extractedUrls,omitempty" yaml:"extracted_urls,omitempty"`
	ExtractTitle      string           `json:"extractTitle,omitempty" yaml:"extract_title,omitempty"`
	ExtractContent    string           `json:"extractContent,omitempty" yaml:"extract_content,omitempty"`
	Tags              []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
	Category          string           `json:"category,omitempty" yaml:"category,omitempty"`
	Author            string           `json:"author,omitempty" yaml:"author,omitempty"`
	ParseStatus       ParseStatus      `json:"parseStatus" yaml:"parse_status"`
	ExtractionMethod  string           `json:"extractionMethod,omitempty" yaml:"extraction_method,omitempty"`
	ProcessingNote    string           `json:"processingNote,omitempty" yaml:"processing_note,omitempty"`
	Model             string           `json:"model,omitempty" yaml:"model,omitempty"`
	ReprocessStatus   ReprocessStatus  `json:"reprocessStatus" yaml:"reprocess_status"`
	ReprocessRounds   int              `json:"reprocessRounds" yaml:"reprocess_rounds"`
	ReprocessNotes    string           `json:"reprocessNotes,omitempty" yaml:"reprocess_notes,omitempty"`
	ReprocessHistory  []ReprocessRound `json:"reprocessHistory,omitempty" yaml:"reprocess_history,omitempty"`
	Reviewed          bool             `json:"reviewed" yaml:"reviewed"`
	ProcessingProfile string           `json:"processingProfile,omitempty" yaml:"processing_profile,omitempty"`
	SourceHash        string           `json:"sourceHash,omitempty" yaml:"source_hash,omitempty"`
	SourcePath        string           `json:"sourcePath,omitempty" yaml:"source_path,omitempty"`
	ProcessedAt       time.Time        `json:"processedAt" yaml:"processed_at"`
	UpdatedAt         time.Time        `json:"updatedAt" yaml:"updated_at"`
	Revision          int64            `json:"revision" yaml:"revision"`
}

// 保留任意语言的字母和数字,避免不同的非 ASCII 文件名落到同一个 identity
var identityPattern = regexp.MustCompile(`[^\p{L}\p{M}\p{N}_\-. ]`)

// IdentityFor derives the record identity from an original filename.
func IdentityFor(filename string) string {
	name := identityPattern.ReplaceAllString(strings.TrimSpace(filename), "_")
	if strings.Trim(name, ". ") == "" {
		return "_"
	}
	return name
}

// DocumentKey 元数据文档在存储中的文件名
func DocumentKey(identity string) string {
	return identity + ".md"
}

// NewRecord 为首次出现的文件创建记录
func NewRecord(filename string, fileType FileType) *Record {
	return &Record{
		Identity:        IdentityFor(filename),
		SourceFilename:  filename,
		FileType:        fileType,
		ParseStatus:     ParseUnprocessed,
		ReprocessStatus: ReprocessNone,
	}
}

// Normalize enforces the status invariants. It runs on every store write.
func (r *Record) Normalize() {
	if !r.ParseStatus.IsValid() {
		r.ParseStatus = ParseUnprocessed
	}
	if !r.ReprocessStatus.IsValid() {
		r.ReprocessStatus = ReprocessNone
	}
	if !r.FileType.IsValid() {
		r.FileType = FileTypeOther
	}
	// a reprocess request un-approves the record
	if r.ReprocessStatus == ReprocessRequested {
		r.Reviewed = false
	}
	if r.Reviewed && !r.ReprocessStatus.Settled() {
		r.ReprocessStatus = ReprocessNone
	}
	if r.ParseStatus == ParseFullAI && !r.HasEnrichment() {
		r.ParseStatus = ParseBasic
	}
	if r.ReprocessRounds < 0 {
		r.ReprocessRounds = 0
	}
}

// HasEnrichment reports whether both AI text fields are present.
func (r *Record) HasEnrichment() bool {
	return strings.TrimSpace(r.ExtractTitle) != "" && strings.TrimSpace(r.ExtractContent) != ""
}

// ClearEnrichment drops every AI-derived field.
func (r *Record) ClearEnrichment() {
	r.ExtractTitle = ""
	r.ExtractContent = ""
	r.Tags = nil
	r.Model = ""
}

// Pending reports whether the record is waiting for a review decision.
func (r *Record) Pending() bool {
	return !r.Reviewed
}

// Clone 深拷贝，避免调用方共享切片
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.ExtractedURLs != nil {
		c.ExtractedURLs = append([]URLRef(nil), r.ExtractedURLs...)
	}
	if r.ReprocessHistory != nil {
		c.ReprocessHistory = append([]ReprocessRound(nil), r.ReprocessHistory...)
	}
	return &c
}
