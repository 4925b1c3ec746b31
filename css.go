package strata

import (
	"html/template"
)

// cssTag formats a stylesheet link for the css placeholder.
func cssTag(href string) string {
	return `<link href="` + template.HTMLEscapeString(href) + `" rel="stylesheet" type="text/css" />` + "\n"
}
