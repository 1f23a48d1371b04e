package history

// Compact applies the retention policy and returns a new transcript; msgs is not modified.
//
// Only the newest maxScreenInfo screen_info annotations in user messages survive. Only the newest
// maxImages image parts across all roles survive. User messages left without parts are dropped.
// Everything else, including order, is preserved, so Compact(Compact(m)) equals Compact(m).
func Compact(msgs []Message, maxScreenInfo, maxImages int) []Message {
	keepInfo := newestPositions(msgs, maxScreenInfo, func(m Message, p Part) bool {
		return m.Role == RoleUser && p.isScreenInfo()
	})
	keepImage := newestPositions(msgs, maxImages, func(_ Message, p Part) bool {
		return p.isImage()
	})

	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		parts := make([]Part, 0, len(m.Parts))
		for j, p := range m.Parts {
			pos := position{i, j}
			if m.Role == RoleUser && p.isScreenInfo() && !keepInfo[pos] {
				continue
			}
			if p.isImage() && !keepImage[pos] {
				continue
			}
			parts = append(parts, p)
		}
		if m.Role == RoleUser && len(parts) == 0 {
			continue
		}
		m.Parts = parts
		out = append(out, m)
	}
	return out
}

type position struct {
	msg, part int
}

// newestPositions walks the transcript from the end and collects up to limit matching parts.
func newestPositions(msgs []Message, limit int, match func(Message, Part) bool) map[position]bool {
	keep := make(map[position]bool, limit)
	if limit <= 0 {
		return keep
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		for j := len(msgs[i].Parts) - 1; j >= 0; j-- {
			if !match(msgs[i], msgs[i].Parts[j]) {
				continue
			}
			keep[position{i, j}] = true
			if len(keep) == limit {
				return keep
			}
		}
	}
	return keep
}

// Count returns the number of screen_info annotations in user messages and image parts in msgs.
func Count(msgs []Message) (screenInfo, images int) {
	for _, m := range msgs {
		for _, p := range m.Parts {
			if m.Role == RoleUser && p.isScreenInfo() {
				screenInfo++
			}
			if p.isImage() {
				images++
			}
		}
	}
	return screenInfo, images
}
