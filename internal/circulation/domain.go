// internal/circulation/domain.go
package circulation

import (
	"bytes"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"librarylend/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Count is a copy count that accepts a JSON number or a numeric string.
// Set is false when the field was absent, null or an empty string.
type Count struct {
	Value   int
	Set     bool
	Invalid bool
}

func (c *Count) UnmarshalJSON(b []byte) error {
	*c = Count{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	raw := string(b)
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			c.Invalid = true
			return nil
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			return nil
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		// Accept integral floats such as 3.0.
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != float64(int(f)) {
			c.Set, c.Invalid = true, true
			return nil
		}
		n = int(f)
	}
	c.Value, c.Set = n, true
	return nil
}

// Text is a descriptive field that accepts a JSON string or a bare number.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*t = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	default:
		*t = Text(b)
	}
	return nil
}

// BookFields is the add and edit payload. Lending state in a payload
// (AvailableCopies, BorrowCount, Borrowers, Status) is never read.
type BookFields struct {
	ISBN        Text  `json:"ISBN"`
	Title       Text  `json:"Title"`
	Author      Text  `json:"Author"`
	Category    Text  `json:"Category"`
	Publisher   Text  `json:"Publisher"`
	PublishYear Text  `json:"PublishYear"`
	Description Text  `json:"Description"`
	CoverURL    Text  `json:"CoverURL"`
	Location    Text  `json:"Location"`
	TotalCopies Count `json:"TotalCopies"`
}

// applyDescriptive copies every non-blank descriptive field onto b.
func (f BookFields) applyDescriptive(b *domain.Book) {
	set := func(dst *string, v Text) {
		if s := strings.TrimSpace(string(v)); s != "" {
			*dst = s
		}
	}
	set(&b.Title, f.Title)
	set(&b.Author, f.Author)
	set(&b.Category, f.Category)
	set(&b.Publisher, f.Publisher)
	set(&b.PublishYear, f.PublishYear)
	set(&b.Description, f.Description)
	set(&b.CoverURL, f.CoverURL)
	set(&b.Location, f.Location)
}

// BorrowRequest is the borrow and return payload.
type BorrowRequest struct {
	UserID string `json:"UserID"`
}
