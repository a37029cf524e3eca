package transactions

// ErrorContext carries the terminal error kind of a transaction and the
// root condition that triggered it. The cause survives the outer
// classification: a transaction that finalizes as "failed" because an
// insert hit an existing document reports Cause() == kv.ErrDocumentExists.
type ErrorContext struct {
	kind  ErrorKind
	cause error
}

// EC reports the terminal error kind; ErrorKindNone for a committed
// transaction.
func (c ErrorContext) EC() ErrorKind { return c.kind }

// Cause reports the root condition behind the terminal kind, or nil.
func (c ErrorContext) Cause() error { return c.cause }

// Result is the final outcome of one logical transaction run.
type Result struct {
	// TransactionID is the UUID assigned to this transaction.
	TransactionID string

	// UnstagingComplete indicates whether commit fully applied every
	// staged mutation. False either because the transaction did not
	// commit, or because a later cleanup job is responsible for
	// finishing the unstaging.
	UnstagingComplete bool

	// Attempts is the number of attempts the run consumed.
	Attempts int

	// Ctx carries the terminal error kind and root cause, if any.
	Ctx ErrorContext
}

// TransactionError is the error returned by the run entry points when a
// transaction does not commit. The full Result remains available on it.
type TransactionError struct {
	Result *Result
}

func (e *TransactionError) Error() string {
	if e.Result.Ctx.cause != nil {
		return "transactions: transaction " + e.Result.Ctx.kind.String() + ": " + e.Result.Ctx.cause.Error()
	}
	return "transactions: transaction " + e.Result.Ctx.kind.String()
}

func (e *TransactionError) Unwrap() error { return e.Result.Ctx.cause }
