package envelope

import "strings"

// Status is the closed set of outcomes a caller can observe.
type Status int

// Status values. StatusUnset is the zero value and never appears on the wire.
const (
	StatusUnset Status = iota
	StatusOK
	StatusBadRequest
	StatusUnauthorized
	StatusForbidden
	StatusNotFound
	StatusConflict
	StatusAlreadyExists
	StatusServiceUnavailable
	StatusUpstreamUnavailable
	StatusTimeout
	StatusInternalServerError
)

type statusInfo struct {
	code int
	name string
}

var statusTable = map[Status]statusInfo{
	StatusOK:                  {200, "OK"},
	StatusBadRequest:          {400, "BAD_REQUEST"},
	StatusUnauthorized:        {401, "UNAUTHORIZED"},
	StatusForbidden:           {403, "FORBIDDEN"},
	StatusNotFound:            {404, "NOT_FOUND"},
	StatusConflict:            {409, "CONFLICT"},
	StatusAlreadyExists:       {409, "ALREADY_EXISTS"},
	StatusServiceUnavailable:  {503, "SERVICE_UNAVAILABLE"},
	StatusUpstreamUnavailable: {502, "UPSTREAM_UNAVAILABLE"},
	StatusTimeout:             {504, "TIMEOUT"},
	StatusInternalServerError: {500, "INTERNAL_SERVER_ERROR"},
}

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	_, ok := statusTable[s]
	return ok
}

// Code returns the numeric wire code, or 0 for an unknown status.
func (s Status) Code() int {
	return statusTable[s].code
}

func (s Status) String() string {
	if info, ok := statusTable[s]; ok {
		return info.name
	}
	return "UNSET"
}

// IsSuccess reports whether s is StatusOK.
func (s Status) IsSuccess() bool {
	return s == StatusOK
}

// ParseStatus maps a wire name (case-insensitive) back to a Status.
func ParseStatus(name string) (Status, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for s, info := range statusTable {
		if info.name == name {
			return s, true
		}
	}
	return StatusUnset, false
}
