package server

import (
	"fmt"
	"strings"
)

// ParseCommand splits a protocol line into an upper-cased keyword and its
// raw argument. It is deliberately simple: commands are a single word
// followed by optional whitespace-delimited argument text.
func ParseCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	parts := strings.SplitN(line, " ", 2)
	cmd = strings.ToUpper(parts[0])
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// ParsePath extracts the address from an SMTP path argument of the form
// "FROM:<user@domain>" or "TO:<user@domain>". The keyword match is
// case-insensitive; the angle brackets are required and the address inside
// them must not contain whitespace or further brackets.
func ParsePath(arg, keyword string) (string, error) {
	rest, ok := cutPrefixFold(arg, keyword+":")
	if !ok {
		return "", fmt.Errorf("expected %s:<address>", keyword)
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 2 || rest[0] != '<' || rest[len(rest)-1] != '>' {
		return "", fmt.Errorf("address must be enclosed in angle brackets")
	}
	addr := rest[1 : len(rest)-1]
	if addr == "" {
		return "", fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(addr, "<> \t") {
		return "", fmt.Errorf("malformed address: '%s'", addr)
	}
	return addr, nil
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
