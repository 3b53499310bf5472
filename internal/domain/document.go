package domain

import (
	"encoding/json"
	"strconv"
)

// Document is a generated or fetched PDF held in transient storage for the
// duration of one submission attempt.
type Document struct {
	Key       string
	TypeCode  string
	Position  int
	SHA256    string
	PageCount int
	Size      int64
}

// DocumentSet is the primary document plus ordered attachments. Attachment
// positions are 1-based.
type DocumentSet struct {
	Primary     Document
	Attachments []Document
}

func (s DocumentSet) Empty() bool {
	return s.Primary.Key == "" && len(s.Attachments) == 0
}

// All returns the primary document followed by attachments in order.
func (s DocumentSet) All() []Document {
	documents := make([]Document, 0, len(s.Attachments)+1)
	if s.Primary.Key != "" {
		documents = append(documents, s.Primary)
	}
	return append(documents, s.Attachments...)
}

type AttachmentMetadata struct {
	Position  int
	SHA256    string
	PageCount int
}

// SubmissionMetadata is the per-channel projection sent alongside documents.
type SubmissionMetadata struct {
	FirstName    string
	LastName     string
	FileNumber   string
	ZipCode      string
	Source       string
	DocType      string
	BusinessLine string
	Channel      Channel
	HashV        string
	NumberPages  int
	Attachments  []AttachmentMetadata
}

// MarshalJSON produces the flat downstream layout. Keys are emitted in
// sorted order, so equal metadata always encodes to equal bytes.
func (m SubmissionMetadata) MarshalJSON() ([]byte, error) {
	values := map[string]any{
		"veteranFirstName":  m.FirstName,
		"veteranLastName":   m.LastName,
		"fileNumber":        m.FileNumber,
		"zipCode":           m.ZipCode,
		"source":            m.Source,
		"docType":           m.DocType,
		"channel":           string(m.Channel),
		"numberAttachments": len(m.Attachments),
	}
	if m.BusinessLine != "" {
		values["businessLine"] = m.BusinessLine
	}
	if m.HashV != "" {
		values["hashV"] = m.HashV
		values["numberPages"] = m.NumberPages
	}
	for _, attachment := range m.Attachments {
		suffix := strconv.Itoa(attachment.Position)
		values["ahash"+suffix] = attachment.SHA256
		values["numberPages"+suffix] = attachment.PageCount
	}
	return json.Marshal(values)
}
