package tool

import "strings"

const fallbackFileName = "download"

var dispositionReplacer = strings.NewReplacer(
	`"`, "'",
	"\r", "", "\n", "", "\t", "", "\v", "", "\f", "",
	`\`, "-", "|", "-", "/", "-",
	"<", "", ">", "", ":", "", "*", "", "?", "",
)

// ContentDisposition builds an attachment header value carrying both a plain
// ASCII filename and the RFC 5987 UTF-8 form.
func ContentDisposition(fileName string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 32 || (r >= 127 && r <= 159) {
			return -1
		}
		return r
	}, dispositionReplacer.Replace(fileName))
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return `attachment; filename="` + fallbackFileName + `"`
	}

	ascii := strings.Map(func(r rune) rune {
		if r < 32 || r > 126 {
			return -1
		}
		return r
	}, cleaned)

	encoded := EncodeURIComponent(cleaned)
	if strings.TrimSpace(ascii) != "" {
		return `attachment; filename="` + ascii + `"; filename*=UTF-8''` + encoded
	}
	return `attachment; filename*=UTF-8''` + encoded
}

// EncodeURIComponent percent-encodes s the way browsers do for a URI
// component: everything except A-Z a-z 0-9 and -_.!~*'() is escaped.
func EncodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isURIUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isURIUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}
