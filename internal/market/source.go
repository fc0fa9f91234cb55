package market

import (
	"errors"
	"fmt"
	"strings"
)

// Source identifies a marketplace, or the pseudo-source covering all of them.
type Source string

const (
	// SourceAv is the av.by car marketplace.
	SourceAv Source = "av"
	// SourceKufar is the kufar.by marketplace.
	SourceKufar Source = "kufar"
	// SourceBoth fans a query out to every concrete marketplace.
	SourceBoth Source = "both"
)

// ErrInvalidSource indicates an unknown marketplace identifier.
var ErrInvalidSource = errors.New("market: invalid source")

// ConcreteSources lists every polled marketplace in a stable order.
var ConcreteSources = []Source{SourceAv, SourceKufar}

// ParseSource validates raw input and returns a Source.
func ParseSource(rawInput string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(rawInput))) {
	case SourceAv:
		return SourceAv, nil
	case SourceKufar:
		return SourceKufar, nil
	case SourceBoth:
		return SourceBoth, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, rawInput)
	}
}

// String returns the raw identifier.
func (s Source) String() string {
	return string(s)
}

// Concrete reports whether the source is a single pollable marketplace.
func (s Source) Concrete() bool {
	return s == SourceAv || s == SourceKufar
}

// Expand resolves the source into the concrete marketplaces it covers.
func (s Source) Expand() []Source {
	if s == SourceBoth {
		return append([]Source(nil), ConcreteSources...)
	}
	if s.Concrete() {
		return []Source{s}
	}
	return nil
}
