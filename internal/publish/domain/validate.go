package domain

import (
	perr "beatbridge/internal/platform/errors"
	"beatbridge/internal/platform/net/http/bind"
)

// Validate enforces the PlayRecord invariants that must hold before a
// record enters the publisher loop (non-empty track after substitution,
// well-formed played-time, non-empty schema tag), reusing the same
// validator singleton the HTTP layer binds requests with.
func (p PlayRecord) Validate() error {
	p = p.WithDefaults()
	if err := bind.Get().Validator.Struct(p); err != nil {
		field, msg := bind.ValidationFieldAndMessage(err)
		return perr.WithField(perr.Newf(perr.ErrorCodeValidation, "%s", msg), field)
	}
	if p.PlayedTime.IsZero() {
		return perr.InvalidArgf("playedTime must be a well-formed non-zero instant")
	}
	return nil
}
