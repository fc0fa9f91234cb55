package notify

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
	"github.com/MarcoPoloResearchLab/carwatch/internal/messaging"
	"github.com/microcosm-cc/bluemonday"
)

const (
	descriptionSnippetLimit = 300
	fallbackSpecLimit       = 200
	untitledListing         = "Без названия"
	missingSpecText         = "Нет данных"
	publishedLayout         = "15:04, 02.01"
)

// CaptionBuilder renders a listing as Telegram HTML. Marketplace text is treated
// as an HTML fragment: its markup is stripped and the remaining text escaped.
type CaptionBuilder struct {
	policy   *bluemonday.Policy
	location *time.Location
}

// NewCaptionBuilder renders publication times in location.
func NewCaptionBuilder(location *time.Location) *CaptionBuilder {
	if location == nil {
		location = time.UTC
	}
	return &CaptionBuilder{policy: bluemonday.StrictPolicy(), location: location}
}

// Build renders the caption within limit UTF-16 units. The description is the
// first thing dropped when the caption does not fit, the spec text the second.
func (b *CaptionBuilder) Build(listing market.Listing, limit int) string {
	caption := b.render(listing, truncateRunes(listing.Description, descriptionSnippetLimit), listing.SpecText)
	if limit <= 0 || messaging.TextLength(caption) <= limit {
		return caption
	}
	caption = b.render(listing, "", listing.SpecText)
	if messaging.TextLength(caption) <= limit {
		return caption
	}
	shortened := listing
	shortened.Title = truncateRunes(listing.Title, fallbackSpecLimit)
	return b.render(shortened, "", truncateRunes(listing.SpecText, fallbackSpecLimit))
}

func (b *CaptionBuilder) render(listing market.Listing, description, spec string) string {
	title := strings.TrimSpace(strings.ReplaceAll(listing.Title, "\n", " "))
	if title == "" {
		title = untitledListing
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = missingSpecText
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "<b>%s: <a href=\"%s\">%s</a></b>\n\n",
		strings.ToUpper(listing.Source.String()), html.EscapeString(listing.URL), b.text(title))
	fmt.Fprintf(&builder, "<b>Цена:</b> ≈ $%s / %s р.\n", groupDigits(listing.PriceUSD), groupDigits(listing.PriceLocal))
	fmt.Fprintf(&builder, "<b>Параметры:</b> %s\n", b.text(spec))
	fmt.Fprintf(&builder, "<b>Опубликовано:</b> %s", b.published(listing))
	if phone := strings.TrimSpace(listing.Phone); phone != "" {
		fmt.Fprintf(&builder, "\n<b>Телефон:</b> <code>%s</code>", b.text(phone))
	}
	if description = strings.TrimSpace(description); description != "" {
		fmt.Fprintf(&builder, "\n\n<i>%s</i>", b.text(description))
	}
	return builder.String()
}

func (b *CaptionBuilder) text(value string) string {
	return b.policy.Sanitize(value)
}

func (b *CaptionBuilder) published(listing market.Listing) string {
	timestamp := listing.PublishedAt
	if timestamp.IsZero() {
		timestamp = listing.FoundAt
	}
	if timestamp.IsZero() {
		return "неизвестно"
	}
	return timestamp.In(b.location).Format(publishedLayout)
}

func truncateRunes(value string, limit int) string {
	runes := []rune(strings.TrimSpace(value))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "..."
}

// groupDigits renders 21500 as "21 500".
func groupDigits(value int) string {
	digits := strconv.Itoa(value)
	negative := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")
	var builder strings.Builder
	if negative {
		builder.WriteByte('-')
	}
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	builder.WriteString(digits[:lead])
	for index := lead; index < len(digits); index += 3 {
		builder.WriteByte(' ')
		builder.WriteString(digits[index : index+3])
	}
	return builder.String()
}
