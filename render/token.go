package render

// Token proves the bearer is executing inside Dispatcher.Tick, which the
// host calls from its render thread. Functions that touch GPU state take
// a Token parameter, making "must run on the render thread" a property
// of the type system instead of a comment.
//
// The interface carries an unexported method, so no other package can
// implement or forge one; the only way to obtain a Token is to be handed
// one by the dispatcher.
type Token interface {
	renderThread()
}

type token struct{}

func (token) renderThread() {}
