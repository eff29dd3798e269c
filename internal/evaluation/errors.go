package evaluation

import "errors"

var (
	ErrNotFound                 = errors.New("evaluation: not found")
	ErrInvalidRouteType         = errors.New("evaluation: invalid route type")
	ErrStageRegression          = errors.New("evaluation: stage cannot move backwards")
	ErrScreeningAlreadyRecorded = errors.New("evaluation: screening result already recorded")
	ErrInvalidScreening         = errors.New("evaluation: screening result is incomplete")
	ErrCheckoutOpen             = errors.New("evaluation: a checkout session is already open")
	ErrAlreadyPaid              = errors.New("evaluation: payment already approved")
	ErrPaymentTransition        = errors.New("evaluation: payment status transition not allowed")
	ErrPatientAlreadyLinked     = errors.New("evaluation: external patient already linked")
	ErrAppointmentAlreadySet    = errors.New("evaluation: appointment already recorded")
	ErrTooManyImages            = errors.New("evaluation: too many images")
)
