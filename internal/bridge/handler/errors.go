package handler

import (
	"errors"

	"abepay.com/internal/deposit/domain"
	"abepay.com/internal/deposit/service"
	"abepay.com/internal/mpesa"
	"abepay.com/pkg/ratelimit"
	"abepay.com/pkg/xerr"
)

// codeError attaches an API code and a client-safe message to err.
func codeError(err error) error {
	var ce *xerr.CodeError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return err
	case errors.Is(err, domain.ErrInvalidPhone),
		errors.Is(err, domain.ErrInvalidAccount),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrAmountOutOfRange),
		errors.Is(err, domain.ErrUnknownDirection),
		errors.Is(err, service.ErrUnknownState),
		errors.Is(err, service.ErrMissingTransfer):
		return xerr.Wrap(err, xerr.RequestParamsError, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return xerr.Wrap(err, xerr.RecordNotFound, "deposit not found")
	case errors.Is(err, service.ErrNotRetryable),
		errors.Is(err, service.ErrNotIndeterminate),
		errors.Is(err, domain.ErrStateConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicate):
		return xerr.Wrap(err, xerr.StateConflict, err.Error())
	case errors.Is(err, mpesa.ErrGatewayUnavailable), ratelimit.IsBreakerOpen(err):
		return xerr.Wrap(err, xerr.UpstreamUnavailable, "payment gateway unavailable, please try again later")
	case errors.Is(err, mpesa.ErrGatewayRejected), errors.Is(err, mpesa.ErrAuthFailure):
		msg := mpesa.Reason(err)
		if msg == "" {
			msg = xerr.MapErrMsg(xerr.UpstreamRejected)
		}
		return xerr.Wrap(err, xerr.UpstreamRejected, msg)
	default:
		return xerr.Wrap(err, xerr.ServerCommonError, xerr.MapErrMsg(xerr.ServerCommonError))
	}
}
