package statemachine

import "fmt"

type outcomeKind int

const (
	advance outcomeKind = iota + 1
	retry
	fatal
)

// Outcome is what a state action asks the manager to do with its entity.
type Outcome struct {
	kind outcomeKind
	next int
	err  error
}

// Advance moves the entity to next and resets its retry counter.
func Advance(next int) Outcome { return Outcome{kind: advance, next: next} }

// Retry keeps the entity in its state; it is picked up again once its lease
// lapses, until the state's retry limit is exceeded.
func Retry(err error) Outcome { return Outcome{kind: retry, err: err} }

// Fatal terminates the entity regardless of its retry counter.
func Fatal(err error) Outcome { return Outcome{kind: fatal, err: err} }

// Retryf and Fatalf format their error like fmt.Errorf.
func Retryf(format string, args ...any) Outcome { return Retry(fmt.Errorf(format, args...)) }
func Fatalf(format string, args ...any) Outcome { return Fatal(fmt.Errorf(format, args...)) }

func (o Outcome) String() string {
	switch o.kind {
	case advance:
		return fmt.Sprintf("advance(%d)", o.next)
	case retry:
		return fmt.Sprintf("retry(%v)", o.err)
	case fatal:
		return fmt.Sprintf("fatal(%v)", o.err)
	}
	return "invalid"
}
