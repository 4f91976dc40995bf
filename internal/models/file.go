package models

import (
	"time"

	"github.com/google/uuid"
)

// FileStatus is the parse lifecycle of an uploaded PDF.
type FileStatus string

const (
	FileStatusUploaded    FileStatus = "uploaded"
	FileStatusParsing     FileStatus = "parsing"
	FileStatusParsed      FileStatus = "parsed"
	FileStatusParseFailed FileStatus = "parse_failed"
)

// PdfFile is an uploaded document.
type PdfFile struct {
	FileID     uuid.UUID
	ProjectID  uuid.UUID
	OrgID      uuid.UUID
	Name       string
	StorageRef string
	SizeBytes  int64
	PageCount  int
	Status     FileStatus
	ParseError string
	PageErrors []PageError
	UploadedBy string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PageError records a page on which every detected table failed normalization.
type PageError struct {
	Page   int      `json:"page"`
	Errors []string `json:"errors"`
}
