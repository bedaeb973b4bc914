package pdf

import (
	"regexp"
	"strings"
)

var (
	commentIndicators = []string{
		"Reactions",
		"Like · Reply",
		"comments · ",
		"reposts",
		"Most relevant",
	}
	authorMarkers = []string{"• Author", "• 1st", "• 2nd", "• 3rd"}
	bareURL       = regexp.MustCompile(`https?://(?:[-\w.]|(?:%[\da-fA-F]{2}))+(?:/[-\w%!.~'()*+,;=:@/&?=]*)?`)
)

// IsLinkedInExport reports whether text looks like a LinkedIn post saved as PDF.
func IsLinkedInExport(text string) bool {
	head := text
	if len(head) > 500 {
		head = head[:500]
	}
	return strings.Contains(head, "Profile viewers") ||
		strings.Contains(head, "Post impressions") ||
		strings.Contains(strings.ToLower(text), "linkedin.com")
}

// LinkedInPost is the main post of a LinkedIn export with comments removed.
type LinkedInPost struct {
	Text   string
	Author string
}

// FilterLinkedInPost keeps the post body and drops everything from the first
// comment-section marker on. Links the post author left in their own comment
// are appended so they are not lost.
func FilterLinkedInPost(text string) LinkedInPost {
	lines := strings.Split(text, "\n")

	var author string
	for i, line := range lines {
		if i >= 15 {
			break
		}
		if i > 0 && containsAny(line, authorMarkers) {
			author = strings.TrimSpace(lines[i-1])
			break
		}
	}

	var (
		main          []string
		inComments    bool
		authorComment bool
		extra         []string
	)
	for i, line := range lines {
		if i > 10 && containsAny(line, commentIndicators) {
			inComments = true
			continue
		}
		if !inComments {
			main = append(main, line)
			continue
		}
		if author != "" && strings.Contains(line, author) && i+1 < len(lines) && strings.Contains(lines[i+1], "Author") {
			authorComment = true
			continue
		}
		if authorComment {
			extra = append(extra, bareURL.FindAllString(line, -1)...)
			if strings.Contains(line, "Like · ") {
				authorComment = false
			}
		}
	}

	body := strings.Join(main, "\n")
	seen := make(map[string]bool)
	for _, u := range bareURL.FindAllString(body, -1) {
		seen[u] = true
	}
	for _, u := range extra {
		if seen[u] || !(strings.Contains(u, "lnkd.in") || strings.Contains(u, ".com")) {
			continue
		}
		seen[u] = true
		body += "\n\nAdditional URL from author comment: " + u
	}
	return LinkedInPost{Text: body, Author: author}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
