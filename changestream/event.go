package changestream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/document"
	"github.com/maxpert/docstream/oplog"
)

// Event is one change notification. FullDocument and
// FullDocumentBeforeChange distinguish absent (nil pointer) from an explicit
// null (pointer to a nil Document).
type Event struct {
	Token                    uint64
	OperationType            oplog.OpType
	WallTime                 time.Time
	Collection               string
	CollectionID             string
	DocumentKey              document.Document
	FullDocument             *document.Document
	UpdateDescription        *document.UpdateDescription
	FullDocumentBeforeChange *document.Document
}

// ResumeToken returns the opaque resume token of the event
func (e Event) ResumeToken() string {
	return FormatResumeToken(e.Token)
}

// FormatResumeToken encodes an oplog token as a resume token
func FormatResumeToken(token uint64) string {
	return fmt.Sprintf("%016x", token)
}

// ParseResumeToken decodes a resume token produced by FormatResumeToken
func ParseResumeToken(s string) (uint64, error) {
	token, err := strconv.ParseUint(s, 16, 64)
	if err != nil || len(s) != 16 {
		return 0, common.Errorf(common.CodeBadValue, "invalid resume token %q", s)
	}
	return token, nil
}

// HasPreImage reports whether fullDocumentBeforeChange is present
func (e Event) HasPreImage() bool {
	return e.FullDocumentBeforeChange != nil
}

// Document renders the event in wire field order. Absent optional fields
// are omitted; explicit nulls are kept.
func (e Event) Document() document.Document {
	doc := document.Document{
		{Key: "_id", Value: document.Document{{Key: "_data", Value: e.ResumeToken()}}},
		{Key: "operationType", Value: string(e.OperationType)},
		{Key: "clusterTime", Value: e.ResumeToken()},
		{Key: "wallTime", Value: e.WallTime.UTC().Format(time.RFC3339Nano)},
	}
	if e.FullDocument != nil {
		doc = append(doc, document.Field{Key: "fullDocument", Value: optionalValue(*e.FullDocument)})
	}
	doc = append(doc,
		document.Field{Key: "ns", Value: document.Document{{Key: "coll", Value: e.Collection}}},
		document.Field{Key: "documentKey", Value: e.DocumentKey},
	)
	if e.UpdateDescription != nil {
		doc = append(doc, document.Field{Key: "updateDescription", Value: *e.UpdateDescription})
	}
	if e.FullDocumentBeforeChange != nil {
		doc = append(doc, document.Field{Key: "fullDocumentBeforeChange", Value: optionalValue(*e.FullDocumentBeforeChange)})
	}
	return doc
}

// MarshalJSON writes the wire form
func (e Event) MarshalJSON() ([]byte, error) {
	return e.Document().MarshalJSON()
}

func optionalValue(d document.Document) any {
	if d == nil {
		return nil
	}
	return d
}

func docPtr(d document.Document) *document.Document {
	return &d
}
