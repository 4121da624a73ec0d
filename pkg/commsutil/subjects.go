package commsutil

import (
	"fmt"
	"strings"
)

// Default NATS subjects.
const (
	SubjectGateway     = "gateway.v1.request"
	SubjectChangeEvent = "gateway.changed"
	QueueGateway       = "gateway"
)

// BuildChangeSubject builds the per-collection change event subject.
func BuildChangeSubject(collection string) string {
	return fmt.Sprintf("%s.%s", SubjectChangeEvent, subjectToken(collection))
}

// BuildActionSubject builds the subject a client may use to address one
// action directly instead of naming it in the request body.
func BuildActionSubject(prefix, collection, action string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, subjectToken(collection), subjectToken(action))
}

func subjectToken(s string) string {
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "*", "_")
	return strings.ReplaceAll(s, ">", "_")
}
