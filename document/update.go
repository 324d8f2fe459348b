package document

import (
	"bytes"
	"strings"

	"github.com/maxpert/docstream/common"
)

const (
	opSet   = "$set"
	opUnset = "$unset"
)

// Update is either a full replacement or a set of field operators
type Update struct {
	replace     bool
	replacement Document
	set         Document
	unset       []string
}

// UpdateDescription lists the top-level fields an operator update changed
type UpdateDescription struct {
	UpdatedFields Document `msgpack:"u"`
	RemovedFields []string `msgpack:"r"`
}

// Result is the outcome of applying an Update to a document
type Result struct {
	Document    Document
	Description *UpdateDescription // nil for replacements
	Changed     bool
}

// Replacement returns an update that replaces the whole document, keeping _id
func Replacement(doc Document) Update {
	if doc == nil {
		doc = Document{}
	}
	return Update{replace: true, replacement: doc}
}

// ParseUpdate interprets an update document. A document whose keys all start
// with '$' is an operator update; one with no operator keys is a replacement.
func ParseUpdate(spec Document) (Update, error) {
	operators := 0
	for _, f := range spec {
		if strings.HasPrefix(f.Key, "$") {
			operators++
		}
	}
	if operators == 0 {
		if err := validateReplacement(spec); err != nil {
			return Update{}, err
		}
		return Replacement(spec), nil
	}
	if operators != len(spec) {
		return Update{}, common.Errorf(common.CodeFailedToParse, "update document cannot mix operators and fields")
	}

	u := Update{set: Document{}, unset: []string{}}
	for _, f := range spec {
		args, ok := f.Value.(Document)
		if !ok {
			return Update{}, common.Errorf(common.CodeFailedToParse, "modifier %s expects an object argument", f.Key)
		}
		switch f.Key {
		case opSet:
			for _, a := range args {
				if err := validateFieldName(a.Key); err != nil {
					return Update{}, err
				}
				u.set.Set(a.Key, a.Value)
			}
		case opUnset:
			for _, a := range args {
				if err := validateFieldName(a.Key); err != nil {
					return Update{}, err
				}
				u.unset = append(u.unset, a.Key)
			}
		default:
			return Update{}, common.Errorf(common.CodeFailedToParse, "Unknown modifier: %s", f.Key)
		}
	}

	for _, k := range u.unset {
		if u.set.Has(k) {
			return Update{}, common.Errorf(common.CodeFailedToParse, "Updating the path '%s' would create a conflict at '%s'", k, k)
		}
	}
	if len(u.set) == 0 && len(u.unset) == 0 {
		return Update{}, common.Errorf(common.CodeFailedToParse, "update operators must name at least one field")
	}
	return u, nil
}

// IsReplacement reports whether the update replaces the whole document
func (u Update) IsReplacement() bool {
	return u.replace
}

// Apply computes the next version of current. current must carry an _id.
func (u Update) Apply(current Document) (Result, error) {
	id, _ := current.ID()
	if u.replace {
		return u.applyReplacement(current, id)
	}

	next := current.Clone()
	desc := &UpdateDescription{UpdatedFields: Document{}, RemovedFields: []string{}}

	for _, f := range u.set {
		if f.Key == IDField {
			if !ValueEqual(id, f.Value) {
				return Result{}, immutableID()
			}
			continue
		}
		old, ok := next.Get(f.Key)
		if ok && ValueEqual(old, f.Value) {
			continue
		}
		next.Set(f.Key, cloneValue(f.Value))
		desc.UpdatedFields.Set(f.Key, cloneValue(f.Value))
	}

	for _, k := range u.unset {
		if k == IDField {
			return Result{}, immutableID()
		}
		if next.Delete(k) {
			desc.RemovedFields = append(desc.RemovedFields, k)
		}
	}

	changed := len(desc.UpdatedFields) > 0 || len(desc.RemovedFields) > 0
	return Result{Document: next, Description: desc, Changed: changed}, nil
}

func (u Update) applyReplacement(current Document, id any) (Result, error) {
	if newID, ok := u.replacement.ID(); ok && !ValueEqual(id, newID) {
		return Result{}, immutableID()
	}

	next := make(Document, 0, len(u.replacement)+1)
	next = append(next, Field{Key: IDField, Value: cloneValue(id)})
	for _, f := range u.replacement {
		if f.Key == IDField {
			continue
		}
		next = append(next, Field{Key: f.Key, Value: cloneValue(f.Value)})
	}
	return Result{Document: next, Changed: !Equal(current, next)}, nil
}

func validateReplacement(doc Document) error {
	for _, f := range doc {
		if err := validateFieldName(f.Key); err != nil {
			return err
		}
	}
	return nil
}

func validateFieldName(name string) error {
	if name == "" {
		return common.Errorf(common.CodeBadValue, "field names cannot be empty")
	}
	if strings.HasPrefix(name, "$") {
		return common.Errorf(common.CodeBadValue, "field name '%s' cannot start with '$'", name)
	}
	if strings.Contains(name, ".") {
		return common.Errorf(common.CodeBadValue, "field name '%s' cannot contain '.', only top-level fields are supported", name)
	}
	return nil
}

func immutableID() error {
	return common.Errorf(common.CodeImmutableField, "Performing an update on the path '_id' would modify the immutable field '_id'")
}

// MarshalJSON writes {"updatedFields": {...}, "removedFields": [...]}.
// removedFields is always an array, never null.
func (d UpdateDescription) MarshalJSON() ([]byte, error) {
	updated := d.UpdatedFields
	if updated == nil {
		updated = Document{}
	}
	removed := make([]any, len(d.RemovedFields))
	for i, k := range d.RemovedFields {
		removed[i] = k
	}

	var buf bytes.Buffer
	err := writeJSONDocument(&buf, Document{
		{Key: "updatedFields", Value: updated},
		{Key: "removedFields", Value: removed},
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
