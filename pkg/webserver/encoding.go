package webserver

import (
	"strings"
)

// FormContentType is the media type decoded into a Form.
const FormContentType = "application/x-www-form-urlencoded"

// FormField is one decoded name/value pair.
type FormField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Form is an ordered set of form fields with unique names.
type Form []FormField

// Get returns the value for name.
func (f Form) Get(name string) (string, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

// Names returns the field names in order.
func (f Form) Names() []string {
	names := make([]string, len(f))
	for i, field := range f {
		names[i] = field.Name
	}
	return names
}

// Map returns the fields as a plain map.
func (f Form) Map() map[string]string {
	m := make(map[string]string, len(f))
	for _, field := range f {
		m[field.Name] = field.Value
	}
	return m
}

// DecodeForm parses an application/x-www-form-urlencoded body.
//
// Pairs are split on '&'. In each name and value '+' becomes a space before
// percent-decoding; a malformed escape keeps its '%' literally while the valid
// escapes around it are still decoded. A pair
// without '=' has an empty value. A repeated name keeps its first position and
// takes the last value.
func DecodeForm(body string) Form {
	var form Form
	index := make(map[string]int)

	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		name = formUnescape(name)
		value = formUnescape(value)

		if i, ok := index[name]; ok {
			form[i].Value = value
			continue
		}
		index[name] = len(form)
		form = append(form, FormField{Name: name, Value: value})
	}
	return form
}

func formUnescape(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

const upperhex = "0123456789ABCDEF"

// Characters kept literal besides ALPHA / DIGIT / "-" / "." / "_" / "~".
const (
	pathSafe  = "/:@!$&'()*+,;="
	querySafe = pathSafe + "?%"
)

// EncodePath percent-encodes a decoded request path. '?', '#', '%' and every
// byte outside the safe set are encoded; the input need not be valid UTF-8.
func EncodePath(path string) string {
	return percentEncode(path, pathSafe)
}

// EncodeQuery percent-encodes a raw query string. '#' is always encoded while
// '?', '&', '=' and existing escapes stay literal.
func EncodeQuery(rawQuery string) string {
	return percentEncode(rawQuery, querySafe)
}

// RequestURL joins an encoded path and query the way scripts see request.url.
func RequestURL(path, rawQuery string) string {
	u := EncodePath(path)
	if rawQuery != "" {
		u += "?" + EncodeQuery(rawQuery)
	}
	return u
}

func percentEncode(s, safe string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || strings.IndexByte(safe, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
