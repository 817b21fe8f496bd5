package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cookbook-app/livechat"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("topic", "", "topic to follow")
	watchCmd.Flags().String("profile", "", "session profile: notifications, groupchat, chatpanel")
	watchCmd.Flags().String("error-topic", "", "topic carrying command rejections")
	watchCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a topic and chat from the terminal",
	Long: `Open a session on a topic and print every change of its view.

Lines read from stdin are commands:
  <text>               send a message
  /edit <id> <text>    edit a message
  /delete <id>         delete a message
  /retry               resend the last failed message
  /quit                leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		errorTopic, _ := cmd.Flags().GetString("error-topic")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		opts := []livechat.Option{livechat.WithLogger(s.Log)}
		if metricsAddr != "" {
			opts = append(opts, livechat.WithMetrics(livechat.NewMetrics(prometheus.DefaultRegisterer, s.Profile.Name)))
			go serveMetrics(metricsAddr, s)
		}

		var history livechat.HistoryFetcher
		if s.Profile.History {
			history = s.historyClient()
		}
		session, err := livechat.NewSession(livechat.SessionConfig{
			URL:        s.WSURL,
			Topic:      s.Topic,
			Profile:    s.Profile,
			ErrorTopic: errorTopic,
		}, livechat.NewWSTransport(nil), history, livechat.StaticIdentity(s.Identity), opts...)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		v := newViewPrinter(s.Identity)
		unwatch := session.Watch(v.onChange)
		defer unwatch()

		if err := session.Start(ctx); err != nil {
			return err
		}
		defer session.Stop()

		p := &prompt{session: session, out: v}
		go func() {
			p.readCommands(os.Stdin)
			stop()
		}()

		<-ctx.Done()
		return nil
	},
}

func serveMetrics(addr string, s *settings) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.Log.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.Log.Error("metrics server stopped", "error", err)
	}
}

// ============================================================================
// Output
// ============================================================================

// viewPrinter prints what changed between two views of the topic.
type viewPrinter struct {
	identity livechat.Identity

	mu   sync.Mutex
	seen map[string]livechat.Message
}

func newViewPrinter(identity livechat.Identity) *viewPrinter {
	return &viewPrinter{identity: identity, seen: map[string]livechat.Message{}}
}

func (v *viewPrinter) onChange(c livechat.Change) {
	switch c.Kind {
	case livechat.ChangeState:
		line := fmt.Sprintf("-- %s", c.State.To)
		if c.State.Reason != nil {
			line += " (" + c.State.Reason.String() + ")"
		}
		v.println(color.Gray.Sprint(line))
	case livechat.ChangeHistoryFailed:
		v.println(color.Red.Sprintf("-- history unavailable: %v", c.Err))
	case livechat.ChangeMessages:
		v.diff(c.Messages)
	}
}

func (v *viewPrinter) diff(msgs []livechat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	current := make(map[string]livechat.Message, len(msgs))
	for _, m := range msgs {
		key := m.Key()
		current[key] = m
		prev, ok := v.seen[key]
		if !ok && m.CorrelationID != "" && m.ID != "" {
			// A confirmed send replaces its local entry.
			prev, ok = v.seen["local-"+m.CorrelationID]
		}
		if ok && prev.Content == m.Content && prev.State == m.State {
			continue
		}
		fmt.Println(v.format(m, ok))
	}
	v.seen = current
}

func (v *viewPrinter) format(m livechat.Message, changed bool) string {
	sender := m.SenderName
	if v.identity.IsCurrentUser(m.SenderID) {
		sender = color.Cyan.Sprint(sender)
	} else {
		sender = color.Green.Sprint(sender)
	}

	id := valueOrDefault(m.ID, "…")
	line := fmt.Sprintf("[%s] %s %s: %s", m.Timestamp.Local().Format(time.TimeOnly), color.Gray.Sprint("#"+id), sender, m.Content)
	switch {
	case m.State == livechat.MessagePending:
		line += color.Gray.Sprint(" (sending)")
	case m.State == livechat.MessageFailed:
		line += color.Red.Sprint(" (failed, /retry)")
	case m.Deleted():
		line = color.Gray.Sprint(line)
	case changed:
		line += color.Gray.Sprint(" (edited)")
	}
	return line
}

func (v *viewPrinter) println(line string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Println(line)
}

// ============================================================================
// Input
// ============================================================================

type prompt struct {
	session *livechat.Session
	out     *viewPrinter

	mu         sync.Mutex
	lastFailed *livechat.PendingHandle
}

// readCommands runs until stdin ends or /quit is read.
func (p *prompt) readCommands(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := p.exec(line); err != nil {
			p.out.println(color.Red.Sprintf("-- %v", err))
		}
	}
}

func (p *prompt) exec(line string) error {
	if !strings.HasPrefix(line, "/") {
		h, err := p.session.Send(line)
		if err != nil {
			return err
		}
		go p.await(h)
		return nil
	}

	name, rest, _ := strings.Cut(line, " ")
	switch name {
	case "/edit":
		id, content, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok {
			return errors.New("usage: /edit <id> <text>")
		}
		h, err := p.session.Edit(id, content)
		if err != nil {
			return err
		}
		go p.await(h)
	case "/delete":
		id := strings.TrimSpace(rest)
		if id == "" {
			return errors.New("usage: /delete <id>")
		}
		h, err := p.session.Delete(id)
		if err != nil {
			return err
		}
		go p.await(h)
	case "/retry":
		p.mu.Lock()
		failed := p.lastFailed
		p.lastFailed = nil
		p.mu.Unlock()
		if failed == nil {
			return errors.New("nothing to retry")
		}
		h, err := p.session.Retry(failed)
		if err != nil {
			return err
		}
		go p.await(h)
	default:
		return fmt.Errorf("unknown command %s", name)
	}
	return nil
}

// await reports a command that did not go through.
func (p *prompt) await(h *livechat.PendingHandle) {
	<-h.Done()
	err := h.Err()
	if err == nil || errors.Is(err, livechat.ErrSessionClosed) {
		return
	}
	if h.Op == livechat.OpSend {
		p.mu.Lock()
		p.lastFailed = h
		p.mu.Unlock()
	}
	p.out.println(color.Red.Sprintf("-- %s failed: %v", h.Op, err))
}
