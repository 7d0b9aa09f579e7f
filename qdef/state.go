package qdef

// RequestState is the credential handling state of a single outbound request.
type RequestState int

const (
	RequestNotChecked RequestState = iota
	RequestRefreshEvaluated
	RequestRefreshed
	RequestNotExpiring
	RequestRefreshFailed
	RequestHeaderAttached
	RequestSent
	RequestOK
	RequestUnauthorized
	RequestLoggedOut
	RequestTransportFailed
)

func (s RequestState) String() string {
	switch s {
	case RequestNotChecked:
		return "not_checked"
	case RequestRefreshEvaluated:
		return "refresh_evaluated"
	case RequestRefreshed:
		return "refreshed"
	case RequestNotExpiring:
		return "not_expiring"
	case RequestRefreshFailed:
		return "refresh_failed"
	case RequestHeaderAttached:
		return "header_attached"
	case RequestSent:
		return "sent"
	case RequestOK:
		return "ok"
	case RequestUnauthorized:
		return "unauthorized"
	case RequestLoggedOut:
		return "logged_out"
	case RequestTransportFailed:
		return "transport_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition leaves s.
func (s RequestState) Terminal() bool {
	switch s {
	case RequestOK, RequestLoggedOut, RequestTransportFailed:
		return true
	}
	return false
}

// RefreshOutcome is the result of one evaluation of the refresh protocol.
type RefreshOutcome int

const (
	NotExpiring RefreshOutcome = iota
	Refreshed
	RefreshFailed
)

func (o RefreshOutcome) String() string {
	switch o {
	case NotExpiring:
		return "not_expiring"
	case Refreshed:
		return "refreshed"
	case RefreshFailed:
		return "refresh_failed"
	default:
		return "unknown"
	}
}

// RequestState maps the outcome onto the per-request state machine.
func (o RefreshOutcome) RequestState() RequestState {
	switch o {
	case Refreshed:
		return RequestRefreshed
	case RefreshFailed:
		return RequestRefreshFailed
	default:
		return RequestNotExpiring
	}
}

// LogoutReason records why a session was cleared.
type LogoutReason string

const (
	LogoutExplicit     LogoutReason = "explicit"
	LogoutUnauthorized LogoutReason = "unauthorized"
)

// Observer receives credential lifecycle events. Implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	OnRefresh(outcome RefreshOutcome)
	OnLogout(reason LogoutReason)
	OnStoreDegraded()
	OnRequestState(from, to RequestState)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) OnRefresh(RefreshOutcome)             {}
func (NopObserver) OnLogout(LogoutReason)                {}
func (NopObserver) OnStoreDegraded()                     {}
func (NopObserver) OnRequestState(from, to RequestState) {}
