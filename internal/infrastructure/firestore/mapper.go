package firestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/shopspring/decimal"
)

// Field names in the productos collection. The mobile app writes the Spanish
// names; the English aliases are accepted for documents created by other tools.
var (
	fieldName     = []string{"nombre", "name"}
	fieldBrand    = []string{"marca", "brand"}
	fieldModel    = []string{"modelo", "model"}
	fieldImageURL = []string{"imagenUrl", "imageUrl", "imagen_url", "image_url"}
	fieldCategory = []string{"categoria", "category"}
	fieldPrice    = []string{"precio", "price"}
	fieldStock    = []string{"stock"}
	fieldActive   = []string{"activo", "active"}
)

// errInvalidRecord marks a document that cannot become a product
var errInvalidRecord = errors.New("invalid product record")

// fieldValue is the typed-value union of the Firestore REST API. An empty
// object means the zero value of whatever type the field holds, because the
// API client omits zero values when it re-encodes a document.
type fieldValue struct {
	StringValue    *string         `json:"stringValue"`
	IntegerValue   json.RawMessage `json:"integerValue"`
	DoubleValue    json.RawMessage `json:"doubleValue"`
	BooleanValue   *bool           `json:"booleanValue"`
	NullValue      *string         `json:"nullValue"`
	TimestampValue *string         `json:"timestampValue"`
}

func (v fieldValue) isNull() bool { return v.NullValue != nil }

func (v fieldValue) str() string {
	switch {
	case v.StringValue != nil:
		return *v.StringValue
	case len(v.IntegerValue) > 0:
		return unquote(v.IntegerValue)
	case len(v.DoubleValue) > 0:
		return unquote(v.DoubleValue)
	}
	return ""
}

func (v fieldValue) number() (decimal.Decimal, error) {
	switch {
	case len(v.IntegerValue) > 0:
		return decimal.NewFromString(unquote(v.IntegerValue))
	case len(v.DoubleValue) > 0:
		f, err := strconv.ParseFloat(unquote(v.DoubleValue), 64)
		if err != nil {
			return decimal.Zero, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, fmt.Errorf("non-finite number %v", f)
		}
		return decimal.NewFromFloat(f), nil
	case v.StringValue != nil:
		return decimal.NewFromString(strings.TrimSpace(*v.StringValue))
	}
	return decimal.Zero, nil
}

func unquote(raw json.RawMessage) string {
	s := string(raw)
	if unq, err := strconv.Unquote(s); err == nil {
		return unq
	}
	return s
}

func lookup(fields map[string]fieldValue, names []string) (fieldValue, bool) {
	for _, name := range names {
		if v, ok := fields[name]; ok {
			return v, true
		}
	}
	return fieldValue{}, false
}

func lookupString(fields map[string]fieldValue, names []string) string {
	v, ok := lookup(fields, names)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.str())
}

// documentID returns the last segment of a full document resource name
func documentID(name string) string {
	return path.Base(strings.TrimRight(name, "/"))
}

// mapProduct converts decoded document fields to a domain product.
// A missing active flag counts as active; an explicit null counts as inactive.
func mapProduct(id string, fields map[string]fieldValue) (domain.Product, error) {
	p := domain.Product{
		ID:       id,
		Name:     lookupString(fields, fieldName),
		Brand:    lookupString(fields, fieldBrand),
		Model:    lookupString(fields, fieldModel),
		ImageURL: lookupString(fields, fieldImageURL),
		Category: lookupString(fields, fieldCategory),
		Active:   true,
	}

	if p.ID == "" {
		return p, fmt.Errorf("%w: document has no id", errInvalidRecord)
	}

	if v, ok := lookup(fields, fieldActive); ok {
		p.Active = v.BooleanValue != nil && *v.BooleanValue
	}

	if v, ok := lookup(fields, fieldPrice); ok && !v.isNull() {
		price, err := v.number()
		if err != nil {
			return p, fmt.Errorf("%w: product %s price: %v", errInvalidRecord, id, err)
		}
		if price.IsNegative() {
			return p, fmt.Errorf("%w: product %s has negative price %s", errInvalidRecord, id, price)
		}
		p.Price = price
	}

	if v, ok := lookup(fields, fieldStock); ok && !v.isNull() {
		stock, err := v.number()
		if err != nil {
			return p, fmt.Errorf("%w: product %s stock: %v", errInvalidRecord, id, err)
		}
		if stock.IsNegative() {
			return p, fmt.Errorf("%w: product %s has negative stock %s", errInvalidRecord, id, stock)
		}
		p.Stock = int(stock.IntPart())
	}

	return p, nil
}
