package sources

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const nextDataScriptID = "__NEXT_DATA__"

var errNextDataMissing = errors.New("sources: __NEXT_DATA__ script not found")

// extractNextData returns the JSON payload embedded by Next.js pages.
func extractNextData(page []byte) ([]byte, error) {
	document, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}
	node := findScriptByID(document, nextDataScriptID)
	if node == nil {
		return nil, errNextDataMissing
	}
	var payload strings.Builder
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.TextNode {
			payload.WriteString(child.Data)
		}
	}
	if strings.TrimSpace(payload.String()) == "" {
		return nil, errNextDataMissing
	}
	return []byte(payload.String()), nil
}

func findScriptByID(node *html.Node, id string) *html.Node {
	if node.Type == html.ElementNode && node.DataAtom == atom.Script {
		for _, attribute := range node.Attr {
			if attribute.Key == "id" && attribute.Val == id {
				return node
			}
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := findScriptByID(child, id); found != nil {
			return found
		}
	}
	return nil
}

// flexString decodes a JSON string, number or bool into its text form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*f = flexString(text)
		return nil
	}
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		*f = ""
		return nil
	}
	*f = flexString(trimmed)
	return nil
}

func (f flexString) String() string {
	return string(f)
}

// digitsOnly keeps the decimal digits of a price label such as "12 500 $".
func digitsOnly(value string) int {
	var builder strings.Builder
	for _, character := range value {
		if character >= '0' && character <= '9' {
			builder.WriteRune(character)
		}
	}
	number, err := strconv.Atoi(builder.String())
	if err != nil {
		return 0
	}
	return number
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts the ISO-8601 variants used by the marketplaces.
// Timestamps without a zone are taken as UTC.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var lastErr error
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			return parsed.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// groupThousands renders 190000 as "190 000".
func groupThousands(value string) string {
	digits := strings.TrimSpace(value)
	if digits == "" {
		return ""
	}
	for _, character := range digits {
		if character < '0' || character > '9' {
			return digits
		}
	}
	var builder strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		builder.WriteString(digits[:lead])
	}
	for index := lead; index < len(digits); index += 3 {
		if builder.Len() > 0 {
			builder.WriteByte(' ')
		}
		builder.WriteString(digits[index : index+3])
	}
	return builder.String()
}

func joinNonEmpty(parts []string, separator string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			kept = append(kept, strings.TrimSpace(part))
		}
	}
	return strings.Join(kept, separator)
}
