package compiler

import "fmt"

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is one structured compile finding with graph coordinates.
type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"nodeId,omitempty"`
	EdgeID   string   `json:"edgeId,omitempty"`
	Field    string   `json:"field,omitempty"`
}

func (d Diagnostic) String() string {
	where := ""
	switch {
	case d.NodeID != "" && d.Field != "":
		where = fmt.Sprintf(" (node %s, field %s)", d.NodeID, d.Field)
	case d.NodeID != "":
		where = fmt.Sprintf(" (node %s)", d.NodeID)
	case d.EdgeID != "":
		where = fmt.Sprintf(" (edge %s)", d.EdgeID)
	}
	return fmt.Sprintf("%s: %s: %s%s", d.Severity, d.Rule, d.Message, where)
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

func errDiag(rule, msg string) Diagnostic {
	return Diagnostic{Rule: rule, Severity: SeverityError, Message: msg}
}
