package contracts

// BpiAccount is the stateful ledger backing one workflow's activity:
// a fixed-capacity state tree holding the latest committed leaf per
// workstep slot and an unbounded append-only history tree recording
// every transition. Both are stored serialized. The account is mutated
// only by the VSM cycle, never directly by API callers.
type BpiAccount struct {
	ID                     string   `json:"id"`
	OwnerSubjectAccountIDs []string `json:"ownerBpiSubjectAccountIds"`
	StateTree              string   `json:"stateTree"`
	HistoryTree            string   `json:"historyTree"`
}
