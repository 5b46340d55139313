package txn

// TransactionResult is what Runner.Run returns on a non-raising outcome:
// either a genuine success or a TransactionFailedPostCommit (spec §7,
// "reported as success with unstaging_complete=false").
type TransactionResult struct {
	TransactionID     string
	AttemptID         string
	UnstagingComplete bool
	Attempts          int
}
