package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hugo-lorenzo-mato/verdict/internal/events"
)

// Source feeds view messages. The channel closes when the source ends.
type Source interface {
	Messages() <-chan tea.Msg
	Close()
}

// waitFor delivers the next message of src; a closed source yields a
// disconnected ConnMsg.
func waitFor(src Source) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-src.Messages()
		if !ok {
			return sourceDoneMsg{}
		}
		return msg
	}
}

type sourceDoneMsg struct{}

// BusSource adapts an in-process event bus.
type BusSource struct {
	bus        *events.EventBus
	eventCh    <-chan events.Event
	priorityCh <-chan events.Event
	msgCh      chan tea.Msg
	closeCh    chan struct{}
	once       sync.Once
}

// NewBusSource subscribes to bus. Decisions arrive on a priority
// subscription so a slow view never loses them.
func NewBusSource(bus *events.EventBus) *BusSource {
	s := &BusSource{
		bus: bus,
		eventCh: bus.Subscribe(
			events.TypeSessionOpened,
			events.TypeVoteCast,
			events.TypeVoteRejected,
			events.TypeSessionClosed,
		),
		priorityCh: bus.SubscribePriority(events.DecisionTypes()...),
		msgCh:      make(chan tea.Msg, 100),
		closeCh:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Messages implements Source.
func (s *BusSource) Messages() <-chan tea.Msg {
	return s.msgCh
}

// Close unsubscribes and ends the message stream.
func (s *BusSource) Close() {
	s.once.Do(func() { close(s.closeCh) })
}

func (s *BusSource) run() {
	defer func() {
		// A blocked priority publish holds the bus lock until drained.
		go drain(s.priorityCh)
		go drain(s.eventCh)
		s.bus.Unsubscribe(s.eventCh)
		s.bus.Unsubscribe(s.priorityCh)
		close(s.msgCh)
	}()

	s.msgCh <- ConnMsg{Connected: true}
	for {
		select {
		case <-s.closeCh:
			return
		case e, ok := <-s.priorityCh:
			if !ok {
				return
			}
			if !s.forward(e) {
				return
			}
		case e, ok := <-s.eventCh:
			if !ok {
				return
			}
			if !s.forward(e) {
				return
			}
		}
	}
}

func (s *BusSource) forward(e events.Event) bool {
	msg := FromEvent(e)
	if msg == nil {
		return true
	}
	select {
	case s.msgCh <- msg:
		return true
	case <-s.closeCh:
		return false
	}
}

func drain(ch <-chan events.Event) {
	for range ch {
	}
}
