package common

// AccessTokenHeaderName is the gRPC metadata key carrying the access token.
const AccessTokenHeaderName = "access_token"

// SessionHeaderName is the optional gRPC metadata key carrying the client
// session id recorded in audit rows.
const SessionHeaderName = "session_id"
