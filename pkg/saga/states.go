package saga

// statePaths holds the authoritative ordered forward path per saga type.
// Consecutive entries are the legal forward edges for that type.
var statePaths = map[Type][]State{
	TypeSale: {
		StateStarted,
		StateStoreValidated,
		StateStockReserved,
		StateTotalCalculated,
		StateSaleCreated,
		StateStockConfirmed,
		StateCompleted,
	},
	TypeOrder: {
		StateStarted,
		StateSaleCreated,
		StateStockReserved,
		StatePaymentProcessed,
		StateCompleted,
	},
	TypeStockUpdate: {
		StateStarted,
		StateStoreValidated,
		StateStockConfirmed,
		StateCompleted,
	},
	TypeChoreographedOrder: {
		StateInProgress,
		StateStockReserved,
		StatePaymentProcessed,
		StateOrderConfirming,
		StateCompleted,
	},
}

// InitialState returns the first state of a saga type's forward path
func InitialState(t Type) State {
	path, ok := statePaths[t]
	if !ok || len(path) == 0 {
		return StateStarted
	}
	return path[0]
}

// StatePath returns the ordered forward path for a saga type
func StatePath(t Type) []State {
	path := statePaths[t]
	out := make([]State, len(path))
	copy(out, path)
	return out
}

// IsTerminalState reports whether a state admits no further transitions.
// Completed is terminal for forward progress but still admits the
// operator-driven Completed→Compensating recovery edge.
func IsTerminalState(s State) bool {
	switch s {
	case StateCompensated, StateAborted:
		return true
	default:
		return false
	}
}

// IsLegalEdge reports whether (from, to) is a legal transition for the type.
//
// Legal edges are:
//   - consecutive states of the type's forward path
//   - any non-terminal state → Compensating (failure, or operator recovery
//     from Completed)
//   - Compensating → Compensating (per-compensation log entries)
//   - Compensating → Compensated | Failed
//   - any non-terminal, non-Completed state → Failed (fatal errors)
//   - Failed → Compensating (operator re-drive)
//   - InProgress → Aborted (choreographed cancel before any step completed)
func IsLegalEdge(t Type, from, to State) bool {
	if IsTerminalState(from) {
		return false
	}

	// Types without a registered path keep only the terminal-state rule.
	path, known := statePaths[t]
	if !known {
		return true
	}
	for i := 0; i < len(path)-1; i++ {
		if path[i] == from && path[i+1] == to {
			return true
		}
	}

	switch to {
	case StateCompensating:
		return true
	case StateCompensated:
		return from == StateCompensating
	case StateFailed:
		return from != StateCompleted
	case StateAborted:
		return t == TypeChoreographedOrder && from == StateInProgress
	}

	return false
}

// ValidateTransition returns ErrIllegalTransition wrapped with edge context
// when (from, to) is not legal for the type
func ValidateTransition(t Type, from, to State) error {
	if !IsLegalEdge(t, from, to) {
		return NewIllegalTransitionError(t, from, to)
	}
	return nil
}
