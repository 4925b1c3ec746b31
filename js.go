package strata

import (
	"fmt"
	"html/template"
	"strings"
)

// jsTag formats a script tag for the headJs and footJs placeholders. flags
// may include "async" and "defer".
func jsTag(helper, src string, flags []string) (string, error) {
	if src == "" || strings.HasSuffix(src, "/") {
		return "", fmt.Errorf("%w: %s needs a path", ErrInvalidHelperCall, helper)
	}
	var tag strings.Builder
	tag.WriteString(`<script src="`)
	tag.WriteString(template.HTMLEscapeString(src))
	tag.WriteString(`"`)
	var async, deferred bool
	for _, flag := range flags {
		switch flag {
		case "async":
			async = true
		case "defer":
			deferred = true
		default:
			return "", fmt.Errorf("%w: %s doesn't understand %q, only \"async\" and \"defer\"", ErrInvalidHelperCall, helper, flag)
		}
	}
	if async {
		tag.WriteString(" async")
	}
	if deferred {
		tag.WriteString(" defer")
	}
	tag.WriteString(` type="text/javascript"></script>` + "\n")
	return tag.String(), nil
}
