package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawworker/internal/bus"
	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		agentID   string
		message   string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent interactively or send a one-shot message",
		Long: `Chat with an agent via the running gateway (WebSocket client mode).
Falls back to standalone mode if the gateway is not running.

Examples:
  clawworker chat                          # Interactive REPL
  clawworker chat --agent coder            # Chat with "coder"
  clawworker chat -m "What time is it?"    # One-shot message
  clawworker chat -s <session-id>          # Continue a session`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if agentID == "" {
				agentID = cfg.AgentIDs()[0]
			}
			var send chatSender
			if isGatewayReachable(cfg) {
				fmt.Fprintf(os.Stderr, "Connected to gateway at %s\n", gatewayAddr(cfg))
				conn, err := dialGateway(cfg)
				if err != nil {
					return err
				}
				defer conn.Close()
				send = gatewayChat(conn)
			} else {
				fmt.Fprintln(os.Stderr, "Gateway not running, using standalone mode")
				s, closeFn, err := standaloneChat(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer closeFn()
				send = s
			}
			return runChat(cfg, send, agentID, message, sessionID)
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent id (default: first configured agent)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing chat session")
	return cmd
}

// chatSender runs one turn and returns the result. Streaming text is
// printed to stdout as it arrives.
type chatSender func(ctx context.Context, turn protocol.ChatTurn) (*protocol.RunResult, error)

func runChat(cfg *config.Config, send chatSender, agentID, message, sessionID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	turn := func(text string) error {
		res, err := send(ctx, protocol.ChatTurn{AgentID: agentID, Message: text, SessionID: sessionID, UserID: "cli"})
		if err != nil {
			return err
		}
		sessionID = res.SessionID
		fmt.Printf("\n%s\n\n", res.Output)
		return nil
	}

	if message != "" {
		if err := turn(message); err != nil {
			return fmt.Errorf("%s", formatAgentError(err))
		}
		return nil
	}

	spec, _ := cfg.Agent(agentID)
	fmt.Fprintf(os.Stderr, "\nclawworker chat (agent: %s, model: %s)\n", agentID, spec.Model)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a new session\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return nil
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return nil
		case "/new":
			sessionID = ""
			fmt.Fprintln(os.Stderr, "Started a new session")
			continue
		}
		if err := turn(input); err != nil {
			fmt.Fprintf(os.Stderr, "%s\n\n", formatAgentError(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// gatewayChat sends turns as chat.send requests on an open connection.
func gatewayChat(conn *websocket.Conn) chatSender {
	return func(ctx context.Context, turn protocol.ChatTurn) (*protocol.RunResult, error) {
		raw, _ := json.Marshal(turn)
		req := protocol.RequestFrame{
			Type:   protocol.FrameTypeRequest,
			ID:     uuid.NewString()[:8],
			Method: protocol.MethodChatSend,
			Params: raw,
		}
		if err := conn.WriteJSON(req); err != nil {
			return nil, fmt.Errorf("send chat: %w", err)
		}

		stream := &streamPrinter{}
		resp, err := readResponse(conn, req.ID, func(ev protocol.EventFrame) {
			if ev.AgentID != turn.AgentID {
				return
			}
			payload, _ := ev.Payload.(map[string]any)
			typ, _ := payload["type"].(string)
			inner, _ := payload["payload"].(map[string]any)
			switch {
			case ev.Event == protocol.EventChat && typ == protocol.ChatEventChunk:
				content, _ := inner["content"].(string)
				stream.print(content)
			case ev.Event == protocol.EventAgent && typ == protocol.AgentEventToolCall:
				name, _ := inner["name"].(string)
				fmt.Fprintf(os.Stderr, "  [tool] %s\n", name)
			}
		})
		if err != nil {
			return nil, err
		}
		if !resp.OK {
			return nil, fmt.Errorf("agent error: %s", responseError(resp))
		}
		var payload struct {
			Result protocol.RunResult `json:"result"`
		}
		if err := decodePayload(resp, &payload); err != nil {
			return nil, err
		}
		return &payload.Result, nil
	}
}

// standaloneChat runs turns in-process against a private runtime.
func standaloneChat(ctx context.Context, cfg *config.Config) (chatSender, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	rt.startMCP(ctx)

	var (
		mu     sync.Mutex
		stream *streamPrinter
	)
	rt.bus.Subscribe("cli", func(ev bus.Event) {
		ae, ok := ev.Payload.(bus.AgentEvent)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch {
		case ev.Name == protocol.EventChat && ae.Type == protocol.ChatEventChunk && stream != nil:
			if p, ok := ae.Payload.(map[string]any); ok {
				content, _ := p["content"].(string)
				stream.print(content)
			}
		case ev.Name == protocol.EventAgent && ae.Type == protocol.AgentEventToolCall:
			if p, ok := ae.Payload.(map[string]any); ok {
				fmt.Fprintf(os.Stderr, "  [tool] %v\n", p["name"])
			}
		}
	})

	send := func(ctx context.Context, turn protocol.ChatTurn) (*protocol.RunResult, error) {
		ag, err := rt.router.Get(turn.AgentID)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		stream = &streamPrinter{}
		mu.Unlock()
		res, err := ag.StartChat(ctx, turn)
		if err != nil {
			return nil, err
		}
		return res.Protocol(), nil
	}
	return send, rt.close, nil
}

// streamPrinter prints the unseen suffix of accumulated chunk text.
type streamPrinter struct {
	printed int
}

func (p *streamPrinter) print(accumulated string) {
	if len(accumulated) <= p.printed {
		return
	}
	fmt.Print(accumulated[p.printed:])
	p.printed = len(accumulated)
}
