package forksafe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/godlygeek/memray/forksafe"
)

func TestLeakAndReplaceReturnsPrevious(t *testing.T) {
	var l forksafe.Leaked[int]
	first := 1
	second := 2

	require.Nil(t, l.LeakAndReplace(&first))
	prev := l.LeakAndReplace(&second)
	require.Same(t, &first, prev)
	require.Same(t, &second, l.Load())
}

func TestClearLeaksCurrentValue(t *testing.T) {
	var l forksafe.Leaked[int]
	v := 7
	l.LeakAndReplace(&v)
	l.Clear()
	require.Nil(t, l.Load())
}

type fakeHandler struct {
	pre, parent, child int
}

func (f *fakeHandler) PreFork()         { f.pre++ }
func (f *fakeHandler) PostForkParent()  { f.parent++ }
func (f *fakeHandler) PostForkChild()   { f.child++ }

func TestRegisteredHandlerReceivesAllThreeCallbacks(t *testing.T) {
	h := &fakeHandler{}
	forksafe.Register(h)
	defer forksafe.Register(nil)

	forksafe.RunPreFork()
	forksafe.RunPostForkParent()
	forksafe.RunPostForkChild()

	require.Equal(t, 1, h.pre)
	require.Equal(t, 1, h.parent)
	require.Equal(t, 1, h.child)
}

func TestUnregisteredHooksAreNoops(t *testing.T) {
	forksafe.Register(nil)
	require.NotPanics(t, func() {
		forksafe.RunPreFork()
		forksafe.RunPostForkParent()
		forksafe.RunPostForkChild()
	})
}
