package event_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/evproxy/internal/event"
)

var _ = Describe("Timers", func() {
	var (
		clock  *event.Clock
		timers *event.Timers
		fired  []string
	)

	newTimer := func(name string) *event.Event {
		return &event.Event{Handler: func(ev *event.Event) {
			Expect(ev.Timedout).To(BeTrue())
			Expect(ev.TimerSet).To(BeFalse())
			fired = append(fired, name)
		}}
	}

	BeforeEach(func() {
		clock = event.NewClock()
		clock.Set(1000)
		timers = event.NewTimers(clock, event.DefaultLazyDelay)
		fired = nil
	})

	It("should report infinity when empty", func() {
		Expect(timers.FindNearest()).To(Equal(event.TimerInfinite))
	})

	It("should bound the wait by the earliest deadline", func() {
		timers.Add(newTimer("late"), 5*time.Second)
		timers.Add(newTimer("early"), 2*time.Second)
		Expect(timers.FindNearest()).To(Equal(int64(2000)))

		clock.Advance(2500 * time.Millisecond)
		Expect(timers.FindNearest()).To(Equal(int64(0)))
	})

	It("should fire due timers in deadline order", func() {
		timers.Add(newTimer("c"), 3*time.Second)
		timers.Add(newTimer("a"), 1*time.Second)
		timers.Add(newTimer("b"), 2*time.Second)

		clock.Advance(2 * time.Second)
		timers.Expire()
		Expect(fired).To(Equal([]string{"a", "b"}))
		Expect(timers.Len()).To(Equal(1))
	})

	It("should fire timers sharing a deadline in the order they were armed", func() {
		for _, name := range []string{"first", "second", "third"} {
			timers.Add(newTimer(name), time.Second)
		}
		clock.Advance(time.Second)
		timers.Expire()
		Expect(fired).To(Equal([]string{"first", "second", "third"}))
	})

	It("should keep the old deadline within the lazy window", func() {
		ev := newTimer("x")
		timers.Add(ev, time.Second)
		deadline := ev.Deadline()

		clock.Advance(100 * time.Millisecond)
		timers.Add(ev, time.Second)
		Expect(ev.Deadline()).To(Equal(deadline))

		clock.Advance(400 * time.Millisecond)
		timers.Add(ev, time.Second)
		Expect(ev.Deadline()).To(Equal(deadline + 500))
		Expect(timers.Len()).To(Equal(1))
	})

	It("should honour a zero lazy window", func() {
		timers.LazyDelay = 0
		ev := newTimer("x")
		timers.Add(ev, time.Second)
		clock.Advance(time.Millisecond)
		timers.Add(ev, time.Second)
		Expect(ev.Deadline()).To(Equal(int64(2001)))
	})

	It("should not fire a deleted timer", func() {
		ev := newTimer("gone")
		timers.Add(ev, time.Second)
		timers.Del(ev)
		Expect(ev.TimerSet).To(BeFalse())

		clock.Advance(time.Minute)
		timers.Expire()
		Expect(fired).To(BeEmpty())
	})

	It("should let a handler re-arm its own timer", func() {
		count := 0
		ev := &event.Event{}
		ev.Handler = func(ev *event.Event) {
			count++
			if count < 3 {
				timers.Add(ev, time.Second)
			}
		}
		timers.Add(ev, time.Second)

		for i := 0; i < 5; i++ {
			clock.Advance(time.Second)
			timers.Expire()
		}
		Expect(count).To(Equal(3))
		Expect(timers.Len()).To(BeZero())
	})

	It("should ignore cancelable timers when deciding the worker may exit", func() {
		idle := newTimer("idle")
		idle.Cancelable = true
		timers.Add(idle, time.Minute)
		Expect(timers.NoTimersLeft()).To(BeTrue())

		timers.Add(newTimer("read"), time.Minute)
		Expect(timers.NoTimersLeft()).To(BeFalse())
	})
})
