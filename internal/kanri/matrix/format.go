package matrix

import "strings"

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// MarkdownToHTML converts the Markdown subset handler replies use into
// Matrix custom HTML:
//
//   - fenced code blocks become <pre><code>
//   - `inline code` becomes <code>
//   - **bold** becomes <strong>
//   - lines starting with "- " or "• " become list items
//   - remaining newlines become <br/>
//
// Text is HTML-escaped first.
func MarkdownToHTML(md string) string {
	var out strings.Builder
	inCode := false
	inList := false
	lines := strings.Split(md, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inList {
				out.WriteString("</ul>")
				inList = false
			}
			if inCode {
				out.WriteString("</code></pre>")
			} else {
				out.WriteString("<pre><code>")
			}
			inCode = !inCode
			continue
		}
		if inCode {
			out.WriteString(htmlEscaper.Replace(line))
			out.WriteString("\n")
			continue
		}

		if item, ok := listItem(line); ok {
			if !inList {
				out.WriteString("<ul>")
				inList = true
			}
			out.WriteString("<li>")
			out.WriteString(inline(item))
			out.WriteString("</li>")
			continue
		}
		if inList {
			out.WriteString("</ul>")
			inList = false
		}
		out.WriteString(inline(line))
		if i < len(lines)-1 {
			out.WriteString("<br/>")
		}
	}
	if inList {
		out.WriteString("</ul>")
	}
	if inCode {
		out.WriteString("</code></pre>")
	}
	return out.String()
}

func listItem(line string) (string, bool) {
	for _, bullet := range []string{"- ", "• ", "* "} {
		if strings.HasPrefix(line, bullet) {
			return line[len(bullet):], true
		}
	}
	return "", false
}

func inline(s string) string {
	s = htmlEscaper.Replace(s)
	s = replaceDelimited(s, "`", "<code>", "</code>")
	return replaceDelimited(s, "**", "<strong>", "</strong>")
}

// replaceDelimited replaces complete delim…delim pairs with open+content+close.
// An unmatched opener is left as is.
func replaceDelimited(s, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + len(delim)
		b.WriteString(s[:start])
		b.WriteString(open)
		b.WriteString(s[start+len(delim) : end])
		b.WriteString(close)
		s = s[end+len(delim):]
	}
	return b.String()
}
