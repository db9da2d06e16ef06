package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonDuplicateSession ReasonCode = "duplicate_session"
	ReasonSessionClosed    ReasonCode = "session_closed"

	ReasonUpstreamConnect     ReasonCode = "upstream_connect"
	ReasonUpstreamUnavailable ReasonCode = "upstream_unavailable"
	ReasonUpstreamSend        ReasonCode = "upstream_send"

	ReasonTransportClosed ReasonCode = "transport_closed"
	ReasonTransportSend   ReasonCode = "transport_send"

	ReasonSynthesisConnect   ReasonCode = "synthesis_connect"
	ReasonSynthesisFailed    ReasonCode = "synthesis_failed"
	ReasonSynthesisRateLimit ReasonCode = "synthesis_rate_limit"

	ReasonConfigInvalid ReasonCode = "config_invalid"
)
