package service

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// cleanText убирает разметку из пользовательского текста. Сущности раскодируются обратно,
// экранирование — забота клиента.
func cleanText(s string) string {
	return strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(s)))
}
