package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestList_SubscribeNotifyUnsubscribe(t *testing.T) {
	var l List[int]
	var got []int

	unsubA := l.Subscribe(func(v int) { got = append(got, v) })
	l.Subscribe(func(v int) { got = append(got, v*10) })

	l.Notify(1)
	assert.Equal(t, []int{1, 10}, got)

	unsubA()
	unsubA()
	l.Notify(2)
	assert.Equal(t, []int{1, 10, 20}, got)
	assert.Equal(t, 1, l.Len())
}

func TestList_PanickingSubscriberIsIsolated(t *testing.T) {
	var l List[string]
	called := false
	l.Subscribe(func(string) { panic("boom") })
	l.Subscribe(func(string) { called = true })

	assert.NotPanics(t, func() { l.Notify("x") })
	assert.True(t, called)
}

func TestList_SubscribeFromCallback(t *testing.T) {
	var l List[int]
	l.Subscribe(func(int) { l.Subscribe(func(int) {}) })

	assert.NotPanics(t, func() { l.Notify(1) })
	assert.Equal(t, 2, l.Len())
}
