// Package antivirus scans uploads before they are stored.
package antivirus

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	ErrInfected = errors.New("antivirus: file is infected")
	// ErrUnavailable is returned by Checker when scanning is required but the
	// scanner could not give a verdict.
	ErrUnavailable = errors.New("antivirus: scanner unavailable")
)

// Verdict is the outcome of one scan.
type Verdict struct {
	Clean     bool   `json:"clean"`
	Signature string `json:"signature,omitempty"`
}

// Scanner inspects file contents for malware.
type Scanner interface {
	Scan(ctx context.Context, name string, data []byte) (Verdict, error)
	Name() string
}

// Noop accepts every file. Used when AV_MODE=off.
type Noop struct{}

func (Noop) Scan(context.Context, string, []byte) (Verdict, error) { return Verdict{Clean: true}, nil }
func (Noop) Name() string                                          { return "off" }

// Checker applies the upload policy on top of a Scanner: infected files are
// always refused, scanner failures only when scanning is required.
type Checker struct {
	scanner  Scanner
	required bool
	log      zerolog.Logger
}

func NewChecker(scanner Scanner, required bool, log zerolog.Logger) *Checker {
	if scanner == nil {
		scanner = Noop{}
	}
	return &Checker{scanner: scanner, required: required, log: log}
}

// Check returns nil when the upload may proceed.
func (c *Checker) Check(ctx context.Context, name string, data []byte) error {
	v, err := c.scanner.Scan(ctx, name, data)
	if err != nil {
		if c.required {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.log.Warn().Err(err).Str("scanner", c.scanner.Name()).Str("filename", name).Msg("Virus scan failed, accepting upload unscanned")
		return nil
	}
	if !v.Clean {
		c.log.Warn().Str("scanner", c.scanner.Name()).Str("filename", name).Str("signature", v.Signature).Msg("Infected upload rejected")
		return fmt.Errorf("%w: %s", ErrInfected, v.Signature)
	}
	return nil
}
