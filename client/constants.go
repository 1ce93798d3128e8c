package client

// TxState names the transaction-state field a Client tracks alongside its
// transaction id.
type TxState string

// Transaction states. TxNone is both "never began a transaction" and
// "began one but has not yet sent a query" — the lazy BEGIN has not fired
// yet in the latter case. TxPending means the BEGIN has been emitted,
// prefixed onto the transaction's first query. TxCommit/TxRollback mark a transaction
// that has finalized and is waiting on its closing statement's result.
const (
	TxNone     TxState = ""
	TxPending  TxState = "PENDING"
	TxCommit   TxState = "COMMIT"
	TxRollback TxState = "ROLLBACK"
)

// SQL fragments used when assembling transaction bodies.
const (
	sqlBegin    = "BEGIN;\n"
	sqlCommit   = "COMMIT;"
	sqlRollback = "ROLLBACK;"
)
