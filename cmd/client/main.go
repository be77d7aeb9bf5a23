package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/omochice/toy-relay-chat/internal/client"
	tcpclient "github.com/omochice/toy-relay-chat/internal/client/tcp"
	wsclient "github.com/omochice/toy-relay-chat/internal/client/ws"
	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

var (
	transportName string
	serverAddr    string
	nickname      string
)

var rootCmd = &cobra.Command{
	Use:   "relay-client",
	Short: "Interactive chat client",
	Long: `Connect to the chat relay and chat from the terminal.

Every line typed is sent as a message. "/nick <name>" changes your nickname
and "quit" leaves.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			return err
		}
		defer c.Disconnect()

		log.Printf("Connected to %s over %s", serverAddr, transportName)

		go printMessages(c.Messages())

		fmt.Println("Type your messages (/nick <name> to rename, 'quit' to exit):")
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if text == "quit" || text == "exit" {
				break
			}

			if name, ok := strings.CutPrefix(text, "/nick "); ok {
				err = c.Rename(name)
			} else {
				err = c.SendMessage(text)
			}
			if err != nil {
				log.Printf("Failed to send message: %v", err)
				if !c.IsConnected() {
					break
				}
			}
		}

		if err := scanner.Err(); err != nil {
			log.Printf("Error reading input: %v", err)
		}
		log.Println("Disconnected from server")
		return nil
	},
}

func newClient() (client.Client, error) {
	switch transportName {
	case "tcp":
		return tcpclient.New(serverAddr, nickname), nil
	case "ws":
		url := serverAddr
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			url = "ws://" + url + "/"
		}
		return wsclient.New(url, nickname), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want tcp or ws)", transportName)
	}
}

func printMessages(msgs <-chan protocol.Message) {
	for msg := range msgs {
		switch msg.Key {
		case protocol.KeyClientID:
			fmt.Printf("*** connected as %s ***\n", msg.ClientID)
		case protocol.KeyNicknameList:
			fmt.Printf("*** online: %s ***\n", strings.Join(msg.Nicknames, ", "))
		case protocol.KeyError:
			fmt.Printf("*** error: %s ***\n", msg.Error)
		case protocol.KeyContent:
			name := msg.Nickname
			if name == "" {
				name = "anonymous"
			}
			fmt.Printf("%s [%s] (%s): %s\n", msg.Timestamp, name, msg.Protocol, msg.Content)
		}
	}
	log.Println("Connection closed by server")
}

func init() {
	rootCmd.Flags().StringVar(&transportName, "transport", "tcp", "Transport to use: tcp or ws")
	rootCmd.Flags().StringVar(&serverAddr, "server", "localhost:32167", "Server address, or a ws:// URL")
	rootCmd.Flags().StringVarP(&nickname, "nickname", "n", "", "Nickname to announce after connecting")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
