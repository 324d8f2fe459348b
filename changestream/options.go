package changestream

import (
	"github.com/maxpert/docstream/common"
)

// Mode is the fullDocumentBeforeChange option of a cursor
type Mode int

const (
	// ModeOff never looks up pre-images
	ModeOff Mode = iota
	// ModeWhenAvailable attaches the pre-image when one exists
	ModeWhenAvailable
	// ModeRequired fails the cursor with code 51770 when a pre-image is missing
	ModeRequired
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeWhenAvailable:
		return "whenAvailable"
	case ModeRequired:
		return "required"
	default:
		return "unknown"
	}
}

// ParseMode parses a fullDocumentBeforeChange value. Empty means off.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "off":
		return ModeOff, nil
	case "whenAvailable":
		return ModeWhenAvailable, nil
	case "required":
		return ModeRequired, nil
	default:
		return ModeOff, common.Errorf(common.CodeBadValue,
			"'%s' is not a valid value for fullDocumentBeforeChange, expected off, whenAvailable or required", s)
	}
}

// FullDocumentPolicy is the fullDocument option of a cursor
type FullDocumentPolicy int

const (
	// FullDocumentDefault carries fullDocument on inserts and replaces only
	FullDocumentDefault FullDocumentPolicy = iota
	// FullDocumentUpdateLookup also attaches the current document to updates
	FullDocumentUpdateLookup
)

func (p FullDocumentPolicy) String() string {
	if p == FullDocumentUpdateLookup {
		return "updateLookup"
	}
	return "default"
}

// ParseFullDocument parses a fullDocument value. Empty means default.
func ParseFullDocument(s string) (FullDocumentPolicy, error) {
	switch s {
	case "", "default":
		return FullDocumentDefault, nil
	case "updateLookup":
		return FullDocumentUpdateLookup, nil
	default:
		return FullDocumentDefault, common.Errorf(common.CodeBadValue,
			"'%s' is not a valid value for fullDocument, expected default or updateLookup", s)
	}
}
