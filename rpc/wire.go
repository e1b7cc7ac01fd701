package rpc

import "github.com/tomyedwab/orbd/types"

// Codes that do not correspond to a sentinel in types.
const (
	CodeObjectNotExist = "OBJECT_NOT_EXIST"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeBadRequest     = "BAD_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeInternal       = "INTERNAL"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ActiveRequest is sent by a spawned server once it is ready. CallbackURL is
// where the daemon delivers shutdown, install and uninstall requests.
type ActiveRequest struct {
	CallbackURL string `json:"callback_url,omitempty"`
}

type EndpointsRequest struct {
	ORBID     types.ORBID          `json:"orb_id"`
	Endpoints []types.EndPointInfo `json:"endpoints"`
}

type PortResponse struct {
	EndpointType string `json:"endpoint_type"`
	Port         int    `json:"port"`
}

// RegisterServerRequest adds a definition to the repository. A zero ServerID
// lets the repository pick one.
type RegisterServerRequest struct {
	ServerID types.ServerID  `json:"server_id,omitempty"`
	Def      types.ServerDef `json:"def"`
}

type RegisterServerResponse struct {
	ServerID types.ServerID `json:"server_id"`
}
