package transactions

// TestHooks are injection points around the attempt state machine's
// durable writes. Production runs leave them nil; tests use them to
// simulate crashes and failures at precise protocol steps. A hook
// returning an error makes the surrounding operation fail with that
// error.
type TestHooks struct {
	BeforeATRPending    func() error
	AfterATRPending     func() error
	BeforeStagedInsert  func(docKey string) error
	BeforeStagedMutate  func(docKey string) error
	BeforeATRCommit     func() error
	BeforeDocCommitted  func(docKey string) error
	AfterDocCommitted   func(docKey string) error
	BeforeATRComplete   func() error
	BeforeDocRolledBack func(docKey string) error
	BeforeATRAborted    func() error
	BeforeATRRolledBack func() error
}

func (h *TestHooks) beforeATRPending() error {
	if h == nil || h.BeforeATRPending == nil {
		return nil
	}
	return h.BeforeATRPending()
}

func (h *TestHooks) afterATRPending() error {
	if h == nil || h.AfterATRPending == nil {
		return nil
	}
	return h.AfterATRPending()
}

func (h *TestHooks) beforeStagedInsert(docKey string) error {
	if h == nil || h.BeforeStagedInsert == nil {
		return nil
	}
	return h.BeforeStagedInsert(docKey)
}

func (h *TestHooks) beforeStagedMutate(docKey string) error {
	if h == nil || h.BeforeStagedMutate == nil {
		return nil
	}
	return h.BeforeStagedMutate(docKey)
}

func (h *TestHooks) beforeATRCommit() error {
	if h == nil || h.BeforeATRCommit == nil {
		return nil
	}
	return h.BeforeATRCommit()
}

func (h *TestHooks) beforeDocCommitted(docKey string) error {
	if h == nil || h.BeforeDocCommitted == nil {
		return nil
	}
	return h.BeforeDocCommitted(docKey)
}

func (h *TestHooks) afterDocCommitted(docKey string) error {
	if h == nil || h.AfterDocCommitted == nil {
		return nil
	}
	return h.AfterDocCommitted(docKey)
}

func (h *TestHooks) beforeATRComplete() error {
	if h == nil || h.BeforeATRComplete == nil {
		return nil
	}
	return h.BeforeATRComplete()
}

func (h *TestHooks) beforeDocRolledBack(docKey string) error {
	if h == nil || h.BeforeDocRolledBack == nil {
		return nil
	}
	return h.BeforeDocRolledBack(docKey)
}

func (h *TestHooks) beforeATRAborted() error {
	if h == nil || h.BeforeATRAborted == nil {
		return nil
	}
	return h.BeforeATRAborted()
}

func (h *TestHooks) beforeATRRolledBack() error {
	if h == nil || h.BeforeATRRolledBack == nil {
		return nil
	}
	return h.BeforeATRRolledBack()
}

// CleanupHooks are the cleanup subsystem's counterparts to TestHooks.
type CleanupHooks struct {
	BeforeCommitDoc   func(docKey string) error
	BeforeRollbackDoc func(docKey string) error
	BeforeATRResolve  func(attemptID string) error
	OnAttemptResolved func(attemptID string, action string)
}

func (h *CleanupHooks) beforeCommitDoc(docKey string) error {
	if h == nil || h.BeforeCommitDoc == nil {
		return nil
	}
	return h.BeforeCommitDoc(docKey)
}

func (h *CleanupHooks) beforeRollbackDoc(docKey string) error {
	if h == nil || h.BeforeRollbackDoc == nil {
		return nil
	}
	return h.BeforeRollbackDoc(docKey)
}

func (h *CleanupHooks) beforeATRResolve(attemptID string) error {
	if h == nil || h.BeforeATRResolve == nil {
		return nil
	}
	return h.BeforeATRResolve(attemptID)
}

func (h *CleanupHooks) onAttemptResolved(attemptID, action string) {
	if h == nil || h.OnAttemptResolved == nil {
		return
	}
	h.OnAttemptResolved(attemptID, action)
}
