package web

// MidFunc wraps a HandlerFunc with additional behavior.
type MidFunc func(handler HandlerFunc) HandlerFunc

// wrapMiddleware applies mw so that the first entry runs first.
func wrapMiddleware(mw []MidFunc, handler HandlerFunc) HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		if mwFunc := mw[i]; mwFunc != nil {
			handler = mwFunc(handler)
		}
	}
	return handler
}
