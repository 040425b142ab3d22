package ipc

import (
	"errors"

	"github.com/evilpsycho42/hiboss"
	"github.com/evilpsycho42/hiboss/internal/store"
)

// wireErrorFor maps an error onto the §7 wire code table. Most
// component code (router, session, executor) propagates *store.Error
// straight through without re-wrapping it as a *hiboss.Error, so this
// checks both.
func wireErrorFor(err error) *WireError {
	var herr *hiboss.Error
	if errors.As(err, &herr) {
		code := CodeInternal
		switch herr.Kind {
		case hiboss.ErrInvalidParams, hiboss.ErrAmbiguousIDPrefix:
			code = CodeInvalidParams
		case hiboss.ErrUnauthorized:
			code = CodeUnauthorized
		case hiboss.ErrNotFound:
			code = CodeNotFound
		case hiboss.ErrAlreadyExists:
			code = CodeAlreadyExists
		}
		return &WireError{Code: code, Message: herr.Error(), Data: herr.Data}
	}

	var serr *store.Error
	if errors.As(err, &serr) {
		code := CodeInternal
		switch serr.Kind {
		case store.KindNotFound:
			code = CodeNotFound
		case store.KindAlreadyExists:
			code = CodeAlreadyExists
		case store.KindInvariant:
			code = CodeInvalidParams
		case store.KindIO:
			code = CodeInternal
		}
		return &WireError{Code: code, Message: serr.Error()}
	}

	return &WireError{Code: CodeInternal, Message: err.Error()}
}

// ambiguousIDError builds the standard ambiguous-id-prefix error with
// its candidate list (§7, SPEC_FULL.md's short-id resolution helper).
func ambiguousIDError(op, prefix string, candidates []string) *hiboss.Error {
	return hiboss.NewError(hiboss.ErrAmbiguousIDPrefix, op, "prefix %q matches %d candidates", prefix, len(candidates)).
		WithData(map[string]any{"kind": "ambiguous-id-prefix", "candidates": candidates})
}
