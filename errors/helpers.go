package errors

// WrapOpComponent provides a convenience helper to wrap errors with consistent
// Op and Component propagation. It avoids repetition when creating structured
// errors throughout the codebase. If err is nil, returns nil.
func WrapOpComponent(err error, op Op, component Component) error {
	if err == nil {
		return nil
	}
	return E(op, component, err)
}

// WrapOpComponentKind wraps errors with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op Op, component Component, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(op, component, kind, err)
}
