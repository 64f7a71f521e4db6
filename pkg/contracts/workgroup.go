package contracts

// Workgroup is a named collaboration space. Administrators manage its
// membership; participants are the subjects authorized to transact in
// workflows created under it.
type Workgroup struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	AdministratorIDs []string     `json:"administratorIds"`
	ParticipantIDs   []string     `json:"participantIds"`
	Participants     []BpiSubject `json:"participants,omitempty"`
	SecurityPolicy   string       `json:"securityPolicy"`
	PrivacyPolicy    string       `json:"privacyPolicy"`
}

// WorkstepStatus tracks the lifecycle of a workstep definition.
type WorkstepStatus string

const (
	WorkstepStatusNew        WorkstepStatus = "NEW"
	WorkstepStatusActive     WorkstepStatus = "ACTIVE"
	WorkstepStatusDeprecated WorkstepStatus = "DEPRECATED"
)

// Circuit describes the fixed-arity transition function a workstep
// applies. Arity is the number of item slots the transform consumes;
// payloads with fewer logical items are zero-padded to match.
// PolicyExpr, when non-empty, is a CEL expression evaluated over the
// computed leaf as a post-condition on the transition.
type Circuit struct {
	Arity      int    `json:"arity"`
	SchemaJSON string `json:"schema,omitempty"`
	PolicyExpr string `json:"policy,omitempty"`
}

// DefaultCircuitArity is the slot capacity of the built-in invoice
// circuit.
const DefaultCircuitArity = 4

// Workstep names a versioned state-transition function within a
// workgroup.
type Workstep struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Version        string         `json:"version"`
	Status         WorkstepStatus `json:"status"`
	WorkgroupID    string         `json:"workgroupId"`
	Circuit        Circuit        `json:"circuit"`
	SecurityPolicy string         `json:"securityPolicy"`
	PrivacyPolicy  string         `json:"privacyPolicy"`
}

// Workflow references an ordered sequence of worksteps and the
// subject accounts authorized to transact on it. Creating a workflow
// provisions its BpiAccount.
type Workflow struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	WorkgroupID            string   `json:"workgroupId"`
	WorkstepIDs            []string `json:"workstepIds"`
	BpiAccountID           string   `json:"bpiAccountId"`
	OwnerSubjectAccountIDs []string `json:"workflowBpiAccountSubjectAccountOwnersIds"`
}

// WorkstepIndex returns the position of a workstep within the workflow
// sequence, or -1 if the workstep is not part of it.
func (w *Workflow) WorkstepIndex(workstepID string) int {
	for i, id := range w.WorkstepIDs {
		if id == workstepID {
			return i
		}
	}
	return -1
}
