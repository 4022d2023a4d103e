package observability

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/levylab/golevylab/comm"
	"github.com/levylab/golevylab/lockin"
)

func outcome(err error) string {
	switch {
	case errors.Is(err, lockin.ErrStartupTimeout):
		return "startup-timeout"
	case errors.Is(err, lockin.ErrSweepTimeout):
		return "sweep-timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, comm.ErrTimeout):
		return "transport-timeout"
	case errors.Is(err, comm.ErrRejected):
		return "rejected"
	}
	return "error"
}

func fmtValue(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
