package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Partition/entity routing.
	ErrPartitionNotFound = "E_PARTITION_NOT_FOUND"
	ErrEntityNotFound    = "E_ENTITY_NOT_FOUND"

	// Admin layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrInert      = "E_INERT"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrPartitionNotFound: {},
	ErrEntityNotFound:    {},
	ErrBadRequest:        {},
	ErrInert:             {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// ErrorMsg is the JSON body of a failed admin request.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
