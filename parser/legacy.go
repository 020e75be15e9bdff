package parser

import (
	"context"
	"fmt"
)

// LegacyParser rejects pre-XML Office binary formats that this module does
// not parse natively. Registering a real parser for one of these formats
// with Registry.Register overrides this stub.
type LegacyParser struct{}

func (p *LegacyParser) SupportedFormats() []string { return []string{"doc", "ppt"} }

func (p *LegacyParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	return nil, fmt.Errorf("legacy binary format not supported natively: %s", path)
}
