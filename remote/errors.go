package remote

import (
	"errors"

	"edo/edoerr"
	"edo/executor"
	"edo/message"
)

func frame(typ, selector string) string {
	return typ + " " + selector
}

// failure builds the response for a call that failed at where.
func failure(err error, where string) *message.InvocationResponse {
	return &message.InvocationResponse{Error: toRemote(err, where)}
}

// callFailure builds the response for an operation that returned err. The call
// failed whatever kind the operation reported; that kind stays in the message.
func callFailure(err error, where string) *message.InvocationResponse {
	re := toRemote(err, where)
	if re.Kind != string(edoerr.KindInvocationFailed) {
		re.Kind = string(edoerr.KindInvocationFailed)
		re.Message = err.Error()
	}
	return &message.InvocationResponse{Error: re}
}

func toRemote(err error, where string) *message.RemoteError {
	re := &message.RemoteError{
		Kind:    string(edoerr.KindInvocationFailed),
		Message: err.Error(),
		Trace:   []string{where},
	}

	var pe *executor.PanicError
	if errors.As(err, &pe) {
		re.Trace = append(re.Trace, pe.StackLines()...)
		return re
	}

	var e *edoerr.Error
	if !errors.As(err, &e) {
		return re
	}
	if e.Remote {
		// A call this object made failed on a third side: this call failed, and the
		// trace keeps both halves.
		re.Trace = append(re.Trace, e.Trace...)
		if err == error(e) {
			re.Message = e.Detail
		}
		return re
	}
	re.Kind = string(e.Kind)
	if err == error(e) && e.Cause == nil {
		re.Message = e.Detail
	}
	re.Trace = append(re.Trace, e.Trace...)
	return re
}

func fromRemote(re *message.RemoteError) error {
	kind := edoerr.Kind(re.Kind)
	switch kind {
	case edoerr.KindMalformedFrame, edoerr.KindUnknownHandle, edoerr.KindInvocationFailed,
		edoerr.KindUnreachable, edoerr.KindServiceInvalidated:
	default:
		kind = edoerr.KindInvocationFailed
	}
	return edoerr.New(kind).Detail("%s", re.Message).Trace(re.Trace).Remote().Build()
}
