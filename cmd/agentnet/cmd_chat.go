package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/agentnet-dev/agentnet/internal/event"
)

var (
	chatVerbose     bool
	chatInteractive bool
)

// Transcript styles for the -v event view.
var (
	styleUser  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleAgent = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	styleHop   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleTool  = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	styleErr   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var chatCmd = &cobra.Command{
	Use:   "chat <name> [message]",
	Short: "Send a message to an agent and print its reply",
	Long: `Injects a user message over the agent's control socket and prints the
final reply once the reasoning loop quiesces. With -v, the agent's event
stream is rendered as a colored transcript, including inter-agent hops.
With -i, keeps reading messages from stdin.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		client, err := controlClient(name)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if chatVerbose {
			streamCtx, stopStream := context.WithCancel(ctx)
			defer stopStream()
			go func() {
				_ = client.SubscribeEvents(streamCtx, 0, func(ev event.Event) bool {
					printEvent(name, ev)
					return true
				})
			}()
		}

		send := func(message string) error {
			reply, err := client.Chat(ctx, message, "")
			if err != nil {
				return transportErr(err)
			}
			fmt.Printf("%s %s\n", styleAgent.Render(name+":"), reply)
			return nil
		}

		if len(args) == 2 {
			if err := send(args[1]); err != nil {
				return err
			}
		}
		if !chatInteractive {
			if len(args) < 2 {
				return operatorErr(fmt.Errorf("message required unless -i is given"))
			}
			return nil
		}

		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print(styleUser.Render("you: "))
		for scanner.Scan() {
			message := strings.TrimSpace(scanner.Text())
			if message == "" || message == "exit" || message == "quit" {
				break
			}
			if err := send(message); err != nil {
				return err
			}
			fmt.Print(styleUser.Render("you: "))
		}
		return scanner.Err()
	},
}

// printEvent renders one event line for the verbose transcript.
func printEvent(agent string, ev event.Event) {
	ts := styleDim.Render(ev.Timestamp.Format("15:04:05.000"))
	switch ev.Kind {
	case event.KindPeerMessageSent:
		msg, _ := ev.Payload["message"].(string)
		fmt.Printf("%s %s %s\n", ts, styleHop.Render(fmt.Sprintf("%s -> %s:", agent, ev.Peer)), msg)
	case event.KindPeerMessageReceived:
		msg, _ := ev.Payload["message"].(string)
		fmt.Printf("%s %s %s\n", ts, styleHop.Render(fmt.Sprintf("%s <- %s:", agent, ev.Peer)), msg)
	case event.KindToolCallStarted:
		tool, _ := ev.Payload["tool"].(string)
		fmt.Printf("%s %s\n", ts, styleTool.Render("tool "+tool+" …"))
	case event.KindToolCallFinished:
		tool, _ := ev.Payload["tool"].(string)
		fmt.Printf("%s %s\n", ts, styleTool.Render("tool "+tool+" done"))
	case event.KindError:
		fmt.Printf("%s %s %v\n", ts, styleErr.Render("error:"), ev.Payload["error"])
	case event.KindModelRequest, event.KindModelResponse:
		fmt.Printf("%s %s\n", ts, styleDim.Render(string(ev.Kind)))
	}
}

func init() {
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "stream the agent's events as a transcript")
	chatCmd.Flags().BoolVarP(&chatInteractive, "interactive", "i", false, "keep reading messages from stdin")
	rootCmd.AddCommand(chatCmd)
}
