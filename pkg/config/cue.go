package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// decodeCUE evaluates a CUE document and decodes it into cfg. CUE
// constraints written in the file are checked before decoding.
func decodeCUE(data []byte, filename string, cfg *Config) error {
	ctx := cuecontext.New()
	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return joinValidationErrors(convertCUEErrors(err))
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return joinValidationErrors(convertCUEErrors(err))
	}
	if err := val.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

func joinValidationErrors(errs []ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msg := errs[0].Error()
	return fmt.Errorf("%s (and %d more)", msg, len(errs)-1)
}
