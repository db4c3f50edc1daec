package providers

import "strings"

// FlattenMessages deterministically concatenates a message list for
// providers whose native protocol does not carry roles: system first,
// then the remaining messages interleaved in order.
func FlattenMessages(messages []Message) string {
	var system []string
	var rest []string

	for _, m := range messages {
		line := strings.TrimSpace(m.Content)
		if line == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
			system = append(system, line)
		default:
			rest = append(rest, string(m.Role)+": "+line)
		}
	}

	var b strings.Builder
	for _, s := range system {
		b.WriteString(s)
		b.WriteString("\n")
	}
	for _, r := range rest {
		b.WriteString(r)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
