package aggregator

import "errors"

var (
	ErrPowerSourceNotContract = errors.New("aggregator: power source is not a contract")
	ErrCanNotForward          = errors.New("aggregator: can not forward")
	ErrInvalidCallOrSelector  = errors.New("aggregator: invalid call or selector")
	ErrSourceCallFailed       = errors.New("aggregator: source call failed")
	ErrOverflow               = errors.New("aggregator: voting power overflow")
	ErrNoDispatcher           = errors.New("aggregator: no dispatcher configured")
)
