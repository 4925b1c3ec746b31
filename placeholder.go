package strata

import (
	"fmt"
	"strings"
)

// The placeholders the resource helpers write to. Layouts mark where they
// go with {{ placeholder "css" }} and so on.
const (
	PlaceholderCSS    = "css"
	PlaceholderHeadJS = "headJs"
	PlaceholderFootJS = "footJs"
	PlaceholderTitle  = "title"
)

const (
	markerOpen  = "@@strata-"
	markerClose = "@@"
)

// placeholderMarker is what {{ placeholder "name" }} writes. Once the whole
// page has rendered, substitutePlaceholders swaps it for the placeholder's
// content. It only uses characters html/template leaves alone in text,
// RCDATA, and attribute contexts, including URL attributes: with no colon
// it can't be mistaken for a URL scheme. It carries the request ID so
// template content can't forge it.
func placeholderMarker(rc *RequestContext, name string) string {
	return markerOpen + rc.ID() + "-" + name + markerClose
}

func validPlaceholderName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: placeholder name can't be empty", ErrInvalidHelperCall)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return fmt.Errorf("%w: placeholder name %q can only contain letters, digits, '_', '-', and '.'", ErrInvalidHelperCall, name)
		}
	}
	return nil
}

// substitutePlaceholders replaces every placeholder marker for rc in out with
// the final content of that placeholder. Placeholders nothing was written
// to are replaced with nothing.
func substitutePlaceholders(out string, rc *RequestContext) string {
	prefix := markerOpen + rc.ID() + "-"
	if !strings.Contains(out, prefix) {
		return out
	}
	contents := rc.PlaceholderContents()
	var result strings.Builder
	result.Grow(len(out))
	rest := out
	for {
		start := strings.Index(rest, prefix)
		if start < 0 {
			result.WriteString(rest)
			break
		}
		nameStart := start + len(prefix)
		end := strings.Index(rest[nameStart:], markerClose)
		if end < 0 {
			result.WriteString(rest)
			break
		}
		result.WriteString(rest[:start])
		result.WriteString(contents[rest[nameStart:nameStart+end]])
		rest = rest[nameStart+end+len(markerClose):]
	}
	return result.String()
}
