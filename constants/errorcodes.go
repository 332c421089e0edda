package constants

// Upstream (VIES) error codes.
const (
	CodeMSMaxConcurrentReq         = "MS_MAX_CONCURRENT_REQ"
	CodeMSMaxConcurrentReqTime     = "MS_MAX_CONCURRENT_REQ_TIME"
	CodeGlobalMaxConcurrentReq     = "GLOBAL_MAX_CONCURRENT_REQ"
	CodeGlobalMaxConcurrentReqTime = "GLOBAL_MAX_CONCURRENT_REQ_TIME"
	CodeMSUnavailable              = "MS_UNAVAILABLE"
	CodeServiceUnavailable         = "SERVICE_UNAVAILABLE"
	CodeTimeout                    = "TIMEOUT"
	CodeInvalidInput               = "INVALID_INPUT"
	CodeInvalidRequesterInfo       = "INVALID_REQUESTER_INFO"
	CodeVATBlocked                 = "VAT_BLOCKED"
	CodeIPBlocked                  = "IP_BLOCKED"
)

// Codes produced locally.
const (
	CodeMalformedInput        = "MALFORMED_INPUT"
	CodeNetworkError          = "NETWORK_ERROR"
	CodeStatusGateUnavailable = "STATUS_GATE_UNAVAILABLE"
	CodeRetryBudgetExhausted  = "RETRY_BUDGET_EXHAUSTED"
	CodeUnexpectedResponse    = "UNEXPECTED_RESPONSE"
)
