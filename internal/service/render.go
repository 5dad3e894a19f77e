package service

import (
	"regexp"
	"strings"

	"github.com/LeventeLantos/lead-sequencer/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z_]+)\s*\}\}`)

// Render substitutes lead fields into a step template. Unknown
// placeholders are left as they are.
func Render(tmpl string, l model.Lead) string {
	vars := map[string]string{
		"first_name": l.FirstName,
		"last_name":  l.LastName,
		"email":      l.Email,
		"phone":      l.Phone,
		"company":    l.Company,
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := strings.ToLower(placeholder.FindStringSubmatch(m)[1])
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}
