package ledger

import (
	"encoding/base64"
	"encoding/json"

	"opsledger/internal/errs"
	"opsledger/internal/model"
)

// EncodeCursor renders c as an opaque URL-safe token.
func EncodeCursor(c *model.Cursor) string {
	if c == nil {
		return ""
	}
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by EncodeCursor. "" decodes to nil.
func DecodeCursor(s string) (*model.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Validation("cursor", "malformed cursor")
	}
	var c model.Cursor
	if err := json.Unmarshal(b, &c); err != nil || c.OccurredAt.IsZero() {
		return nil, errs.Validation("cursor", "malformed cursor")
	}
	return &c, nil
}
