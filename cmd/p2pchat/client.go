package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/p2pchat/internal/client"
	"github.com/1ureka/p2pchat/internal/config"
	"github.com/1ureka/p2pchat/internal/media"
	"github.com/1ureka/p2pchat/internal/util"
)

func clientCmd(flags *globalFlags) *cobra.Command {
	var serverAddr, user, password string
	var callID uint32

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Sign in and place calls from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("server") {
				cfg.Client.ServerAddr = serverAddr
			}
			if cmd.Flags().Changed("user") {
				cfg.Client.Username = user
			}
			if cmd.Flags().Changed("password") {
				cfg.Client.Password = password
			}
			askCredentials(&cfg.Client)
			if err := cfg.Validate(config.RoleClient); err != nil {
				return err
			}
			return runClient(cmd.Context(), cfg, callID)
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "", "Server address, host:port or ws:// URL")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	cmd.Flags().Uint32Var(&callID, "call", 0, "Call this peer id right after signing in")

	return cmd
}

// askCredentials prompts for whatever the flags, env and config left empty.
func askCredentials(cfg *config.ClientConfig) {
	if cfg.Username == "" {
		cfg.Username, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText("Username").
			Show()
		cfg.Username = strings.TrimSpace(cfg.Username)
	}
	if cfg.Password == "" {
		cfg.Password, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText("Password").
			WithMask("*").
			Show()
	}
	pterm.Println()
}

func runClient(ctx context.Context, full config.Config, callID uint32) error {
	cfg := full.Client
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	view := newTerminal(cancel)
	conductor := media.NewConductor(media.Config{STUNServers: cfg.STUNServers}, view)
	c := client.New(conductor, client.Config{BufferSize: cfg.BufferSize})
	conductor.Bind(c)

	util.LogInfo("connecting to %s as %s", cfg.ServerAddr, cfg.Username)
	if err := c.Connect(ctx, cfg.ServerAddr, cfg.Username, util.MD5Hex(cfg.Password)); err != nil {
		return err
	}
	defer c.SignOut()
	util.StartStatsReporter(ctx, full.Log.StatsInterval.Duration)

	if callID != 0 {
		select {
		case <-view.signedIn:
			if err := conductor.Call(callID); err != nil {
				util.LogError("call %d: %v", callID, err)
			}
		case <-ctx.Done():
			return nil
		}
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		cancel()
	}()

	pterm.Info.Println("commands: peers, call <id>, say <text>, hangup, quit")
	for {
		select {
		case <-ctx.Done():
			_ = conductor.HangUp()
			return nil
		case line := <-lines:
			if quit := runCommand(c, conductor, line); quit {
				_ = conductor.HangUp()
				return nil
			}
		}
	}
}

// runCommand executes one line typed by the user and reports whether the
// client should exit.
func runCommand(c *client.Client, conductor *media.Conductor, line string) bool {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch verb {
	case "":
	case "peers":
		printPeers(c.Peers())
	case "call":
		id, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 32)
		if err != nil {
			util.LogWarning("usage: call <id>")
			return false
		}
		if err := conductor.Call(uint32(id)); err != nil {
			util.LogWarning("%v", err)
		}
	case "say":
		if err := conductor.Send(rest); err != nil {
			util.LogWarning("%v", err)
		}
	case "hangup":
		if err := conductor.HangUp(); err != nil && !errors.Is(err, media.ErrNoCall) {
			util.LogWarning("%v", err)
		}
	case "quit", "exit":
		return true
	default:
		util.LogWarning("unknown command %q", verb)
	}
	return false
}

func printPeers(peers map[uint32]string) {
	if len(peers) == 0 {
		pterm.Info.Println("nobody else is online")
		return
	}
	ids := make([]uint32, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	data := pterm.TableData{{"ID", "Name"}}
	for _, id := range ids {
		data = append(data, []string{strconv.FormatUint(uint64(id), 10), peers[id]})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// ---------------------------------------------------------------------------
// terminal implements media.View on stdout.
// ---------------------------------------------------------------------------

type terminal struct {
	signedIn     chan struct{}
	signedInOnce sync.Once
	quit         context.CancelFunc
}

func newTerminal(quit context.CancelFunc) *terminal {
	return &terminal{signedIn: make(chan struct{}), quit: quit}
}

func (t *terminal) SignedIn() {
	util.LogSuccess("signed in")
	t.signedInOnce.Do(func() { close(t.signedIn) })
}

func (t *terminal) PeersChanged(peers map[uint32]string) {
	util.LogDebug("%d peer(s) online", len(peers))
}

func (t *terminal) CallStarted(id uint32) {
	util.LogSuccess("connected to peer %d, type 'say <text>' to chat", id)
}

func (t *terminal) CallEnded(id uint32) { util.LogInfo("call with peer %d ended", id) }

func (t *terminal) ChatMessage(id uint32, text string) {
	pterm.Println(fmt.Sprintf("%s %s", pterm.Cyan(fmt.Sprintf("[%d]", id)), text))
}

func (t *terminal) Disconnected() {
	util.LogInfo("disconnected from server")
	t.quit()
}

func (t *terminal) Notify(msg string) { util.LogWarning("%s", msg) }
