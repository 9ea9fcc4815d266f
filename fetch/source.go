package fetch

import (
	"fmt"
	"strings"
)

type SourceType string

const (
	SourceTypeDirect SourceType = "direct"
	SourceTypeFile   SourceType = "file"
)

// Source is a parsed model location.
type Source struct {
	Type     SourceType
	Location string
	Original string
}

func ParseSource(source string) (*Source, error) {
	if source == "" {
		return nil, fmt.Errorf("empty model source")
	}

	src := &Source{Original: source}
	switch {
	case strings.HasPrefix(source, "file:"):
		src.Type = SourceTypeFile
		src.Location = strings.TrimPrefix(source, "file:")
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		src.Type = SourceTypeDirect
		src.Location = source
	default:
		return nil, fmt.Errorf("unsupported model source: %s", source)
	}

	return src, nil
}
