package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/peerchat"
	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/transport"
)

// endpointBook is implemented by transports that need to be told where a
// peer can be reached.
type endpointBook interface {
	AddEndpoint(addr transport.Address, endpoint string) error
}

// syncWriter serialises prompt output with message notifications.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type shell struct {
	node      *peerchat.Node
	endpoints endpointBook
	out       io.Writer
}

func newShell(node *peerchat.Node, tr transport.Transport, w io.Writer) *shell {
	out := &syncWriter{w: w}
	sh := &shell{node: node, out: out}
	if book, ok := tr.(endpointBook); ok {
		sh.endpoints = book
	}

	node.OnMessage(func(from *peer.Identity, entry peer.ChatEntry) {
		fmt.Fprintf(out, "[%s] %s\n", from.DisplayName(), entry.Body)
	})
	node.OnPaired(func(p *peer.Identity) {
		fmt.Fprintf(out, "* paired with %s\n", p.DisplayName())
	})
	node.OnSessionEstablished(func(p *peer.Identity) {
		fmt.Fprintf(out, "* session established with %s\n", p.DisplayName())
	})
	return sh
}

const helpText = `Commands:
  /endpoint <address> <host:port>  tell the node where a peer listens
  /issue <address>                 create a token for pairing with a peer
  /accept <bundle>                 import a token issued for this node
  /pair <bundle>                   send the pairing handshake
  /exchange <peer>                 negotiate a session key
  /send <peer> <text>              send a message
  /peers                           list peers
  /history <peer>                  show chat history
  /nick <peer> <name>              set a nickname
  /quit                            exit
`

// run reads commands from in until EOF, /quit or ctx is done.
func (s *shell) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.exec(ctx, line)
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// exec runs one command line. It reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch name {
	case "/help":
		fmt.Fprint(s.out, helpText)
	case "/quit", "/exit":
		return true, nil
	case "/endpoint":
		return false, s.endpoint(args)
	case "/issue":
		return false, s.issue(ctx, args)
	case "/accept":
		return false, s.accept(ctx, args)
	case "/pair":
		return false, s.pair(ctx, args)
	case "/exchange":
		return false, s.exchange(ctx, args)
	case "/send":
		ref, text, _ := strings.Cut(rest, " ")
		return false, s.send(ctx, ref, strings.TrimSpace(text))
	case "/peers":
		s.peers(ctx)
	case "/history":
		return false, s.history(ctx, args)
	case "/nick":
		return false, s.nick(ctx, args)
	default:
		return false, fmt.Errorf("unknown command %q, try /help", name)
	}
	return false, nil
}

func (s *shell) endpoint(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: /endpoint <address> <host:port>")
	}
	if s.endpoints == nil {
		return errors.New("transport has no endpoint book")
	}
	addr, err := transport.ParseAddress(args[0])
	if err != nil {
		return err
	}
	return s.endpoints.AddEndpoint(addr, args[1])
}

func (s *shell) issue(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /issue <address>")
	}
	addr, err := transport.ParseAddress(args[0])
	if err != nil {
		return err
	}
	tok, err := s.node.IssueToken(ctx, addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Token for %s (expires %s):\n%s\n", addr.Short(), tok.Expiration.Format(time.RFC3339), tok)
	return nil
}

func (s *shell) accept(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /accept <bundle>")
	}
	tok, err := peer.ParseBundleString(args[0])
	if err != nil {
		return err
	}
	if err := s.node.AcceptToken(ctx, tok); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Token %s accepted, waiting for the handshake.\n", tok.KeyID)
	return nil
}

func (s *shell) pair(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /pair <bundle>")
	}
	tok, err := peer.ParseBundleString(args[0])
	if err != nil {
		return err
	}
	p, err := s.node.Pair(ctx, tok)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Handshake sent to %s.\n", p.Address.Short())
	return nil
}

func (s *shell) exchange(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /exchange <peer>")
	}
	p, err := s.node.Peer(ctx, args[0])
	if err != nil {
		return err
	}
	if err := s.node.StartExchange(ctx, p.Address); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Exchange started with %s.\n", p.DisplayName())
	return nil
}

func (s *shell) send(ctx context.Context, ref, text string) error {
	if ref == "" || text == "" {
		return errors.New("usage: /send <peer> <text>")
	}
	p, err := s.node.Peer(ctx, ref)
	if err != nil {
		return err
	}
	sent, err := s.node.SendMessage(ctx, p.Address, []byte(text))
	if err != nil {
		return err
	}
	if !sent {
		fmt.Fprintf(s.out, "No session with %s, message queued.\n", p.DisplayName())
	}
	return nil
}

func (s *shell) peers(ctx context.Context) {
	entries := s.node.Peers()
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "No peers.")
		return
	}
	for _, e := range entries {
		state, err := s.node.SessionState(ctx, e.Address)
		if err != nil {
			fmt.Fprintf(s.out, "%-16s %s  error: %v\n", e.Nickname, e.Address, err)
			continue
		}
		fmt.Fprintf(s.out, "%-16s %s  %s\n", e.Nickname, e.Address, state)
	}
}

func (s *shell) history(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: /history <peer>")
	}
	p, err := s.node.Peer(ctx, args[0])
	if err != nil {
		return err
	}
	entries, err := s.node.History(ctx, p.Address)
	if err != nil {
		return err
	}
	for _, e := range entries {
		arrow := "<"
		if e.Direction == peer.Outbound {
			arrow = ">"
		}
		fmt.Fprintf(s.out, "%s %s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), arrow, e.Body)
	}
	return nil
}

func (s *shell) nick(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: /nick <peer> <name>")
	}
	p, err := s.node.Peer(ctx, args[0])
	if err != nil {
		return err
	}
	if _, err := s.node.SetNickname(ctx, p.Address, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s is now %s.\n", p.Address.Short(), args[1])
	return nil
}
