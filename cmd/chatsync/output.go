package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/memohai/chatsync/internal/channel"
	"github.com/memohai/chatsync/internal/event"
	"github.com/memohai/chatsync/internal/notify"
	"github.com/memohai/chatsync/internal/session"
)

var (
	timeStyle   = lipgloss.NewStyle().Faint(true)
	topicStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	noticeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
)

var watchedTopics = []event.Topic{
	event.TopicConnection,
	event.TopicChannelRemoved,
	event.TopicEviction,
	event.TopicSync,
}

// printer writes session signals to the terminal.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	cancels []func()
	wg      sync.WaitGroup
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) watch(sub event.Subscriber) {
	for _, topic := range watchedTopics {
		_, events, cancel := sub.Subscribe(topic, 16)
		p.mu.Lock()
		p.cancels = append(p.cancels, cancel)
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for ev := range events {
				p.event(ev)
			}
		}()
	}
}

func (p *printer) stop() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = nil
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	p.wg.Wait()
}

func (p *printer) event(ev event.Event) {
	var line string
	switch ev.Topic {
	case event.TopicConnection:
		var signal session.ConnectionSignal
		_ = ev.Decode(&signal)
		line = fmt.Sprintf("%s -> %s", signal.From, stateStyle(signal.To).Render(signal.To))
		if signal.UserID > 0 {
			line += fmt.Sprintf(" (user %d)", signal.UserID)
		}
		if signal.Error != "" {
			line += " " + errStyle.Render(signal.Error)
		}
	case event.TopicChannelRemoved, event.TopicEviction:
		var removal channel.Removal
		_ = ev.Decode(&removal)
		name := removal.Name
		if name == "" {
			name = fmt.Sprintf("%d", removal.ChannelID)
		}
		line = fmt.Sprintf("#%s %s", name, warnStyle.Render(string(removal.Reason)))
	case event.TopicSync:
		line = fmt.Sprintf("delta applied (%d bytes)", len(ev.Data))
	default:
		line = ev.Type
	}
	p.println(string(ev.Topic), line)
}

func (p *printer) notification(n notify.Notification) {
	p.println("notify", noticeStyle.Render(n.Title)+": "+n.Body)
}

func (p *printer) println(topic, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s %s\n",
		timeStyle.Render(time.Now().Format(time.TimeOnly)),
		topicStyle.Render(fmt.Sprintf("%-15s", topic)),
		line)
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "connected":
		return okStyle
	case "connecting":
		return warnStyle
	default:
		return errStyle
	}
}
