// Package transform maps raw source records onto indexable documents.
package transform

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/ChuLiYu/harvester/pkg/types"
)

// ErrMissingID is returned for records without a usable id.
var ErrMissingID = errors.New("record has no id")

// Canonical builds a types.Document from a JSON object. The id, title and
// body keys are configurable; every other key is kept in Fields.
type Canonical struct {
	IDKey    string
	TitleKey string
	BodyKey  string
	Source   string // copied to Document.Source
}

// NewCanonical returns a transformer with the conventional keys "id",
// "title" and "body".
func NewCanonical(source string) *Canonical {
	return &Canonical{IDKey: "id", TitleKey: "title", BodyKey: "body", Source: source}
}

// Transform implements harvest.Transformer.
func (c *Canonical) Transform(rec map[string]any) (types.Document, error) {
	id := scalar(rec[c.IDKey])
	if id == "" {
		return types.Document{}, fmt.Errorf("%w: key %q", ErrMissingID, c.IDKey)
	}

	fields := maps.Clone(rec)
	delete(fields, c.IDKey)
	delete(fields, c.TitleKey)
	delete(fields, c.BodyKey)
	if len(fields) == 0 {
		fields = nil
	}

	return types.Document{
		ID:     id,
		Title:  strings.TrimSpace(scalar(rec[c.TitleKey])),
		Body:   strings.TrimSpace(scalar(rec[c.BodyKey])),
		Fields: fields,
		Source: c.Source,
	}, nil
}

// Identify implements harvest.Transformer.
func (c *Canonical) Identify(doc types.Document) string { return doc.ID }

// scalar renders strings, numbers and booleans. JSON numbers arrive as
// float64; integral values print without a fraction.
func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}
