package didcomm

import (
	"encoding/json"

	"didcomm_mediator/internal/model"
)

// ProblemReportType is the DIDComm v2 report-problem message type.
const ProblemReportType = "https://didcomm.org/report-problem/2.0/problem-report"

type (
	// ProblemReportBody is the body of a problem-report message. Args is
	// always an array on the wire, possibly empty.
	ProblemReportBody struct {
		Code    string   `json:"code"`
		Comment string   `json:"comment,omitempty"`
		Args    []string `json:"args"`
	}
)

// NewProblemReport builds a problem-report message threaded to the message
// that caused it.
func NewProblemReport(parent *Message, code, comment string, args []string) *Message {
	if args == nil {
		args = []string{}
	}

	var m *Message
	if parent != nil {
		m = parent.Reply(ProblemReportType)
	} else {
		m = New(ProblemReportType)
	}

	body, _ := json.Marshal(ProblemReportBody{Code: code, Comment: comment, Args: args})
	m.Body = body
	return m
}

// ProblemReportFor translates a mediator error into a problem report.
func ProblemReportFor(parent *Message, err error) *Message {
	kind := model.KindOf(err)
	return NewProblemReport(parent, kind.ProblemCode(), err.Error(), nil)
}
