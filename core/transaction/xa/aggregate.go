package xa

// Outcome is the folded view of a set of per-cache completion codes.
type Outcome struct {
	Committed  bool // at least one cache committed (XA_OK on commit, XA_HEURCOM)
	RolledBack bool // at least one cache rolled back (XA_RB*, XA_HEURRB, XA_OK on rollback)
	Forgotten  bool // at least one cache no longer knew the transaction
	Other      Code // last unrecognized code, OK when none
	HasOther   bool
}

// Fold classifies the completion codes returned by each cache for a commit
// (commit=true) or rollback request.
func Fold(commit bool, codes []Code) Outcome {
	var o Outcome
	for _, c := range codes {
		switch {
		case c == OK:
			if commit {
				o.Committed = true
			} else {
				o.RolledBack = true
			}
		case c == HeurCom:
			o.Committed = true
		case c == HeurRB || c.IsRollback():
			o.RolledBack = true
		case c == HeurMix:
			o.Committed = true
			o.RolledBack = true
		case c == AlreadyForgotten:
			o.Forgotten = true
		default:
			o.Other = c
			o.HasOther = true
		}
	}
	return o
}

// Aggregate turns per-cache completion codes into exactly one outcome. It returns
// nil when the transaction reached the requested decision, otherwise an *Error:
//
//   - commit and rollback flavors both seen: XA_HEURMIX
//   - only commit flavor: success on commit, XA_HEURCOM on rollback
//   - only rollback flavor: success on rollback, XA_HEURRB on commit
//   - neither flavor, some cache already forgot the transaction: XAER_NOTA
//   - neither flavor, an unrecognized code: that code verbatim
func Aggregate(commit bool, codes []Code) error {
	o := Fold(commit, codes)
	switch {
	case o.Committed && o.RolledBack:
		return NewError(HeurMix, "caches disagree on the outcome")
	case o.Committed:
		if commit {
			return nil
		}
		return NewError(HeurCom, "transaction committed while rolling back")
	case o.RolledBack:
		if !commit {
			return nil
		}
		return NewError(HeurRB, "transaction rolled back while committing")
	case o.Forgotten:
		return NewError(ErrNotA, "transaction not known to the resource manager")
	case o.HasOther:
		return &Error{Code: o.Other}
	}
	return nil
}
