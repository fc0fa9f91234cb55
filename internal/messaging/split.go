package messaging

import "unicode/utf16"

// TextLength measures text the way the Bot API limits it, in UTF-16 code
// units. Characters outside the Basic Multilingual Plane count twice.
func TextLength(text string) int {
	length := 0
	for _, character := range text {
		length += runeUnits(character)
	}
	return length
}

func runeUnits(character rune) int {
	if units := utf16.RuneLen(character); units > 0 {
		return units
	}
	return 1
}

// SplitText breaks text into parts of at most limit UTF-16 units. Each cut is
// placed after the last newline in the window, else after the last space, else
// at the limit. Cuts never fall inside a character, and concatenating the parts
// yields the original text.
func SplitText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || TextLength(text) <= limit {
		return []string{text}
	}

	runes := []rune(text)
	parts := make([]string, 0, TextLength(text)/limit+1)
	for len(runes) > 0 {
		end := windowEnd(runes, limit)
		if end == len(runes) {
			parts = append(parts, string(runes))
			break
		}
		window := runes[:end]
		cut := lastRune(window, '\n')
		if cut <= 0 {
			cut = lastRune(window, ' ')
		}
		if cut <= 0 {
			cut = end
		} else {
			cut++
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	return parts
}

// windowEnd returns how many leading runes fit in limit units, at least one.
func windowEnd(runes []rune, limit int) int {
	units := 0
	for index, character := range runes {
		units += runeUnits(character)
		if units > limit {
			if index == 0 {
				return 1
			}
			return index
		}
	}
	return len(runes)
}

func lastRune(window []rune, target rune) int {
	for index := len(window) - 1; index >= 0; index-- {
		if window[index] == target {
			return index
		}
	}
	return -1
}
