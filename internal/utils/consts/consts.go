package consts

const (
	ServiceName     = "chainmirror"
	ProjectName     = "data/chainmirror"
	UnknownClientID = "unknown"

	// The client id header in the request
	ClientIDHeader = "x-client-id"

	// The bearer token header used by administrative routes.
	AuthorizationHeader = "Authorization"
)
