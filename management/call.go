package management

// Call is a closure dispatched onto the network loop's single goroutine,
// and the channel management calls use to serialize themselves onto it
// (spec.md §5 "no internal locks; management calls are serialized through
// a channel into the loop").
type Call struct {
	Run    func() (interface{}, error)
	result chan callResult
}

type callResult struct {
	value interface{}
	err   error
}

// NewCall wraps fn into a Call ready to be sent on a loop's command channel.
func NewCall(fn func() (interface{}, error)) Call {
	return Call{Run: fn, result: make(chan callResult, 1)}
}

// Resolve runs fn and delivers its result to the waiting caller. Must only
// be invoked by the loop goroutine that owns the channel this Call arrived
// on.
func (c Call) Resolve() {
	v, err := c.Run()
	c.result <- callResult{value: v, err: err}
}

// Wait blocks until Resolve has been called for this Call and returns its
// result.
func (c Call) Wait() (interface{}, error) {
	r := <-c.result
	return r.value, r.err
}

// Dispatch sends fn to ch as a Call and blocks for its result. The caller
// is responsible for not dispatching after the loop has stopped draining
// ch.
func Dispatch(ch chan<- Call, fn func() (interface{}, error)) (interface{}, error) {
	call := NewCall(fn)
	ch <- call
	return call.Wait()
}
