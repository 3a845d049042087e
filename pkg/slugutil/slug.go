package slugutil

import "strings"

// Normalize приводит идентификатор к canonical slug форме:
// lowercase, пробелы и подчеркивания схлопываются в дефис,
// всё вне [a-z0-9-] удаляется, крайние дефисы обрезаются.
func Normalize(id string) string {
	var b strings.Builder
	b.Grow(len(id))

	lastHyphen := false
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r == ' ', r == '_', r == '-', r == '\t':
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		default:
			// всё остальное выбрасываем
		}
	}

	return strings.TrimRight(b.String(), "-")
}

// IsNormalized сообщает, что id уже в canonical форме
func IsNormalized(id string) bool {
	return id != "" && id == Normalize(id)
}
