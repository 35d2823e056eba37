package history

// Fuser assembles one logical delta from a stream of partial deltas.
// Fusion rules: concatenate content, reasoning content and refusal in
// arrival order; deep-merge usage; keep the first id and role; take the
// end reason from any partial that carries one.
type Fuser struct {
	fused   Delta
	started bool
}

// Add folds a partial delta into the fused result.
func (f *Fuser) Add(partial Delta) {
	if !f.started {
		f.fused.ID = partial.ID
		f.fused.Role = partial.Role
		f.started = true
	}

	f.fused.Content += partial.Content
	f.fused.ReasoningContent += partial.ReasoningContent
	f.fused.Refusal += partial.Refusal

	if partial.Usage != nil {
		if f.fused.Usage == nil {
			f.fused.Usage = &Usage{}
		}
		f.fused.Usage.Merge(partial.Usage)
	}

	if partial.EndReason != EndNone {
		f.fused.EndReason = partial.EndReason
	}
}

// Result returns the fused delta.
func (f *Fuser) Result() Delta {
	return f.fused
}

// Started reports whether any partial has been added.
func (f *Fuser) Started() bool {
	return f.started
}
